// Package config provides configuration management for the gemini-relay server.
// It handles loading and parsing YAML configuration files with an optional .env
// overlay, and provides structured access to application settings including the
// listen port, account storage directory, public API keys, rotation policy and
// streaming behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RotationStrategy selects how the account pool advances after a successful call.
type RotationStrategy string

const (
	// RotationRoundRobin advances by one account per successful call.
	RotationRoundRobin RotationStrategy = "round_robin"
	// RotationRequestCount advances only after N requests on the current account.
	RotationRequestCount RotationStrategy = "request_count"
	// RotationQuotaExhausted advances only when the caller reports quota exhaustion.
	RotationQuotaExhausted RotationStrategy = "quota_exhausted"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory holding account token files.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// ManagementKey gates the token administration endpoints.
	ManagementKey string `yaml:"management-key,omitempty" json:"management-key,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to rotated files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// RequestRetry is the number of retries performed on upstream 429 responses.
	RequestRetry int `yaml:"request-retry" json:"request-retry"`

	// RequestTimeout bounds a single upstream call in seconds.
	RequestTimeout int `yaml:"request-timeout" json:"request-timeout"`

	// Rotation configures the account rotation policy.
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// FakeNonStream collects the upstream stream and returns a single JSON body.
	FakeNonStream bool `yaml:"fake-non-stream" json:"fake-non-stream"`

	// PassSignatureToClient includes upstream thought signatures in dialect responses.
	PassSignatureToClient bool `yaml:"pass-signature-to-client" json:"pass-signature-to-client"`

	// Signature configures the thought-signature cache gating policy.
	Signature SignatureConfig `yaml:"signature" json:"signature"`

	// Store configures encryption-at-rest for account files.
	Store StoreConfig `yaml:"store" json:"store"`
}

// RotationConfig holds the account rotation policy.
type RotationConfig struct {
	// Strategy is one of round_robin, request_count, quota_exhausted.
	Strategy RotationStrategy `yaml:"strategy" json:"strategy"`

	// RequestCount is the per-account request budget for the request_count strategy.
	RequestCount int `yaml:"request-count,omitempty" json:"request-count,omitempty"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// HeartbeatSeconds controls how often the server emits SSE heartbeats
	// (": heartbeat\n\n"). <= 0 disables heartbeats.
	HeartbeatSeconds int `yaml:"heartbeat-seconds" json:"heartbeat-seconds"`
}

// SignatureConfig gates which thought signatures are cached for replay.
type SignatureConfig struct {
	// CacheAll caches every signature regardless of origin.
	CacheAll bool `yaml:"cache-all" json:"cache-all"`

	// CacheTool caches signatures observed on function-call parts.
	CacheTool bool `yaml:"cache-tool" json:"cache-tool"`

	// CacheImage caches signatures observed on image-model responses.
	CacheImage bool `yaml:"cache-image" json:"cache-image"`

	// CacheThinking caches signatures observed on plain reasoning parts.
	CacheThinking bool `yaml:"cache-thinking" json:"cache-thinking"`
}

// StoreConfig holds encryption-at-rest settings for account files.
type StoreConfig struct {
	// Encrypt enables AES-GCM encryption of account files.
	Encrypt bool `yaml:"encrypt" json:"encrypt"`

	// Secret is the passphrase used to derive the encryption key.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           8317,
		AuthDir:        "data",
		RequestRetry:   3,
		RequestTimeout: 60,
		Rotation: RotationConfig{
			Strategy:     RotationRoundRobin,
			RequestCount: 10,
		},
		Streaming: StreamingConfig{
			HeartbeatSeconds: 15,
		},
		Signature: SignatureConfig{
			CacheTool:     true,
			CacheThinking: true,
		},
	}
}

// LoadConfig reads the YAML configuration file, applies the .env overlay and
// environment variable overrides, and fills unset fields with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}

	// Best effort: a missing .env simply means no overlay.
	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	_ = godotenv.Load(envPath)

	applyEnvOverrides(cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEMINI_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := os.Getenv("GEMINI_RELAY_AUTH_DIR"); v != "" {
		cfg.AuthDir = v
	}
	if v := os.Getenv("GEMINI_RELAY_API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		cfg.APIKeys = cfg.APIKeys[:0]
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				cfg.APIKeys = append(cfg.APIKeys, key)
			}
		}
	}
	if v := os.Getenv("GEMINI_RELAY_MANAGEMENT_KEY"); v != "" {
		cfg.ManagementKey = v
	}
	if v := os.Getenv("GEMINI_RELAY_STORE_SECRET"); v != "" {
		cfg.Store.Secret = v
		cfg.Store.Encrypt = true
	}
	if v := os.Getenv("GEMINI_RELAY_DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

func (cfg *Config) normalize() {
	if cfg.Port <= 0 {
		cfg.Port = 8317
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = "data"
	}
	if cfg.RequestRetry < 0 {
		cfg.RequestRetry = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60
	}
	switch cfg.Rotation.Strategy {
	case RotationRoundRobin, RotationRequestCount, RotationQuotaExhausted:
	default:
		cfg.Rotation.Strategy = RotationRoundRobin
	}
	if cfg.Rotation.RequestCount <= 0 {
		cfg.Rotation.RequestCount = 10
	}
}

// APIKeyValid reports whether the supplied key matches a configured API key.
func (cfg *Config) APIKeyValid(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	for _, candidate := range cfg.APIKeys {
		if candidate == key {
			return true
		}
	}
	return false
}
