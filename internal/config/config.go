package config

import (
	"fmt"
	"strings"
	"time"
)

const keychainService = "qwenbridge"

type Config struct {
	Server      ServerConfig
	Upstream    UpstreamConfig
	Attachments AttachmentsConfig
	Catalog     CatalogConfig
	Storage     StorageConfig
	Metrics     MetricsConfig
	Log         LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// APIKey, when set, is required from clients as a bearer token.
	APIKey string
}

type UpstreamConfig struct {
	BaseURL   string
	AuthToken string
	// TokensFile holds one vendor token per line and is watched for changes.
	TokensFile     string
	DefaultModel   string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
	UploadTimeout  time.Duration
}

type AttachmentsConfig struct {
	// UnsupportedPolicy is "drop" or "reject".
	UnsupportedPolicy string
}

type CatalogConfig struct {
	// RefreshSchedule is a cron spec; empty disables periodic refresh.
	RefreshSchedule string
}

type StorageConfig struct {
	DataDir   string
	UploadTTL time.Duration
}

type MetricsConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5001,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://chat.qwen.ai",
			DefaultModel:   "qwen3-235b-a22b",
			RequestTimeout: 60 * time.Second,
			StreamTimeout:  300 * time.Second,
			UploadTimeout:  120 * time.Second,
		},
		Attachments: AttachmentsConfig{
			UnsupportedPolicy: "drop",
		},
		Catalog: CatalogConfig{
			RefreshSchedule: "@every 30m",
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			UploadTTL: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.qwenbridge.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/qwenbridge/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (QWENBRIDGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// LoadClient reads configuration for commands that talk to a running server.
// It does not require vendor credentials.
func LoadClient() (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, newPlatformBackend()); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if cfg.Server.APIKey == "" {
		if key, err := (keychainReader{}).Get(keychainService, "api_key"); err == nil {
			cfg.Server.APIKey = key
		}
	}
	return cfg, nil
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for secrets still empty.
	if cfg.Upstream.AuthToken == "" {
		if tok, err := kc.Get(keychainService, "auth_token"); err == nil && tok != "" {
			cfg.Upstream.AuthToken = tok
		}
	}
	if cfg.Server.APIKey == "" {
		if key, err := kc.Get(keychainService, "api_key"); err == nil && key != "" {
			cfg.Server.APIKey = key
		}
	}

	if cfg.Upstream.AuthToken == "" && cfg.Upstream.TokensFile == "" {
		msg := "missing required config: vendor auth token. " +
			"Set it via environment variable QWENBRIDGE_AUTH_TOKEN, " +
			"point upstream.tokens_file at a token file" +
			authTokenHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Attachments.UnsupportedPolicy {
	case "drop", "reject":
	default:
		return fmt.Errorf("invalid attachments.unsupported_policy %q: want drop or reject", c.Attachments.UnsupportedPolicy)
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
