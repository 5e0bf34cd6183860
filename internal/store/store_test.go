package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, encrypt bool, secret string) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "accounts.json"), encrypt, secret)
	require.NoError(t, err)
	return s
}

func TestLoadMissingFileYieldsEmptyPool(t *testing.T) {
	s := newTestStore(t, false, "")
	accounts, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, false, "")
	in := []*Account{
		{RefreshToken: "rt1", AccessToken: "at1", ExpiresIn: 3600, Timestamp: 1000, Enable: true, Email: "a@example.com"},
		{RefreshToken: "rt2", Enable: false, ProjectID: "proj-1"},
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "rt1", out[0].RefreshToken)
	assert.Equal(t, "a@example.com", out[0].Email)
	assert.False(t, out[1].Enable)
	assert.Equal(t, "proj-1", out[1].ProjectID)
}

func TestEncryptedRoundTrip(t *testing.T) {
	s := newTestStore(t, true, "hunter2")
	in := []*Account{{RefreshToken: "rt-secret", Enable: true}}
	require.NoError(t, s.Save(in))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "rt-secret")
	assert.Equal(t, string(encMagic), string(raw[:len(encMagic)]))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "rt-secret", out[0].RefreshToken)
}

func TestEncryptedLoadWrongSecretFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s1, err := NewStore(path, true, "right")
	require.NoError(t, err)
	require.NoError(t, s1.Save([]*Account{{RefreshToken: "rt", Enable: true}}))

	s2, err := NewStore(path, true, "wrong")
	require.NoError(t, err)
	_, err = s2.Load()
	assert.Error(t, err)
}

func TestMergeReadModifyWrite(t *testing.T) {
	s := newTestStore(t, false, "")
	require.NoError(t, s.Save([]*Account{{RefreshToken: "rt1", Enable: true}}))

	err := s.Merge(func(accounts []*Account) []*Account {
		for _, account := range accounts {
			if account.RefreshToken == "rt1" {
				account.Enable = false
			}
		}
		return append(accounts, &Account{RefreshToken: "rt2", Enable: true})
	})
	require.NoError(t, err)

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.False(t, out[0].Enable)
	assert.Equal(t, "rt2", out[1].RefreshToken)
}

func TestSaltStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s1, err := NewStore(path, false, "")
	require.NoError(t, err)
	s2, err := NewStore(path, false, "")
	require.NoError(t, err)
	assert.Equal(t, s1.Salt(), s2.Salt())
	assert.NotEmpty(t, s1.Salt())
}

func TestTokenIDStableAndSaltDependent(t *testing.T) {
	id1 := TokenID("rt", "salt-a")
	id2 := TokenID("rt", "salt-a")
	id3 := TokenID("rt", "salt-b")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 16)
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UnixMilli()
	fresh := &Account{AccessToken: "at", ExpiresIn: 3600, Timestamp: now}
	stale := &Account{AccessToken: "at", ExpiresIn: 60, Timestamp: now - 120_000}
	empty := &Account{ExpiresIn: 3600, Timestamp: now}

	assert.False(t, fresh.IsExpired(now, 300_000))
	assert.True(t, stale.IsExpired(now, 0))
	assert.True(t, empty.IsExpired(now, 0))
	// A token inside the refresh buffer counts as expired.
	nearEdge := &Account{AccessToken: "at", ExpiresIn: 200, Timestamp: now}
	assert.True(t, nearEdge.IsExpired(now, 300_000))
}
