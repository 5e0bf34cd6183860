// Package store persists account pools as JSON files with optional
// encryption at rest. Each pool file carries a sibling salt file; the salt is
// used both for key derivation and for deriving the opaque token ids exposed
// by the admin surface, so raw refresh tokens never leave the process.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// encMagic prefixes encrypted pool files so plain JSON files stay readable.
var encMagic = []byte("GRLYENC1")

// Account is one upstream Google account as persisted on disk. Identity is the
// refresh token; every other field may be rewritten by a refresh.
type Account struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Timestamp    int64  `json:"timestamp"`
	Enable       bool   `json:"enable"`
	Email        string `json:"email,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	HasQuota     *bool  `json:"hasQuota,omitempty"`
}

// IsExpired reports whether the access token is past (or within buffer of) its
// expiry instant, computed as timestamp + expires_in.
func (a *Account) IsExpired(nowMillis, bufferMillis int64) bool {
	if a.AccessToken == "" {
		return true
	}
	return nowMillis >= a.Timestamp+a.ExpiresIn*1000-bufferMillis
}

// TokenID derives the stable opaque id used by the admin surface.
func TokenID(refreshToken, salt string) string {
	sum := sha256.Sum256([]byte(refreshToken + salt))
	return hex.EncodeToString(sum[:])[:16]
}

// Store reads and writes one account pool file. All writes are serialized and
// atomic (write to temp file, rename over).
type Store struct {
	mu      sync.Mutex
	path    string
	salt    string
	encrypt bool
	secret  string
}

// NewStore opens (or prepares) the pool file at path. The sibling salt file is
// created on first use. When encrypt is true, pool contents are sealed with a
// key derived from secret and the salt.
func NewStore(path string, encrypt bool, secret string) (*Store, error) {
	s := &Store{path: path, encrypt: encrypt, secret: secret}
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	s.salt = salt
	return s, nil
}

// Salt returns the pool salt used for token id derivation.
func (s *Store) Salt() string { return s.salt }

// Path returns the pool file path.
func (s *Store) Path() string { return s.path }

func (s *Store) saltPath() string {
	ext := filepath.Ext(s.path)
	return s.path[:len(s.path)-len(ext)] + ".salt"
}

func (s *Store) loadOrCreateSalt() (string, error) {
	data, err := os.ReadFile(s.saltPath())
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("store: read salt: %w", err)
	}
	raw := make([]byte, 16)
	if _, errRand := rand.Read(raw); errRand != nil {
		return "", fmt.Errorf("store: generate salt: %w", errRand)
	}
	salt := hex.EncodeToString(raw)
	if errDir := os.MkdirAll(filepath.Dir(s.path), 0o755); errDir != nil {
		return "", fmt.Errorf("store: create dir: %w", errDir)
	}
	if errWrite := os.WriteFile(s.saltPath(), []byte(salt), 0o600); errWrite != nil {
		return "", fmt.Errorf("store: write salt: %w", errWrite)
	}
	return salt, nil
}

// Load reads and decodes the full account list. A missing file yields an empty
// pool.
func (s *Store) Load() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]*Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) > len(encMagic) && string(data[:len(encMagic)]) == string(encMagic) {
		data, err = s.open(data[len(encMagic):])
		if err != nil {
			return nil, err
		}
	}
	var accounts []*Account
	if errUnmarshal := json.Unmarshal(data, &accounts); errUnmarshal != nil {
		return nil, fmt.Errorf("store: parse %s: %w", s.path, errUnmarshal)
	}
	return accounts, nil
}

// Save writes the full account list atomically.
func (s *Store) Save(accounts []*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(accounts)
}

func (s *Store) saveLocked(accounts []*Account) error {
	if accounts == nil {
		accounts = []*Account{}
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	if s.encrypt {
		sealed, errSeal := s.seal(data)
		if errSeal != nil {
			return errSeal
		}
		data = append(append([]byte(nil), encMagic...), sealed...)
	}
	if errDir := os.MkdirAll(filepath.Dir(s.path), 0o755); errDir != nil {
		return fmt.Errorf("store: create dir: %w", errDir)
	}
	tmp := s.path + ".tmp"
	if errWrite := os.WriteFile(tmp, data, 0o600); errWrite != nil {
		return fmt.Errorf("store: write temp: %w", errWrite)
	}
	if errRename := os.Rename(tmp, s.path); errRename != nil {
		return fmt.Errorf("store: rename: %w", errRename)
	}
	return nil
}

// Merge performs a read-all, mutate, write-all cycle under the store lock.
// The callback receives the current pool and returns the pool to persist.
func (s *Store) Merge(fn func(accounts []*Account) []*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.saveLocked(fn(accounts))
}

func (s *Store) deriveKey() ([]byte, error) {
	if s.secret == "" {
		return nil, fmt.Errorf("store: encryption enabled without secret")
	}
	return scrypt.Key([]byte(s.secret), []byte(s.salt), 1<<15, 8, 1, 32)
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	key, err := s.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, errRand := rand.Read(nonce); errRand != nil {
		return nil, errRand
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	key, err := s.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("store: sealed payload too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt: %w", err)
	}
	return plaintext, nil
}
