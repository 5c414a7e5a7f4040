package config

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if v, ok := m.values[service+"/"+account]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]string
}

func newMemBackend(kv map[string]string) *memBackend {
	if kv == nil {
		kv = make(map[string]string)
	}
	return &memBackend{data: kv}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	return i, true, err
}

func (b *memBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.data[key] = strconv.Itoa(val); return nil }
func (b *memBackend) SetBool(key string, val bool) error {
	b.data[key] = strconv.FormatBool(val)
	return nil
}
func (b *memBackend) Delete(key string) error { delete(b.data, key); return nil }
func (b *memBackend) Location() string      { return "memory" }

// clearEnv blanks every QWENBRIDGE_* variable the key table reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("QWENBRIDGE_AUTH_TOKEN", "test-token")

	cfg, err := loadWith(newMemBackend(nil), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5001 {
		t.Errorf("Server.Port = %d, want 5001", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "0.0.0.0:5001" {
		t.Errorf("Server.Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Upstream.BaseURL != "https://chat.qwen.ai" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.DefaultModel != "qwen3-235b-a22b" {
		t.Errorf("Upstream.DefaultModel = %q, want %q", cfg.Upstream.DefaultModel, "qwen3-235b-a22b")
	}
	if cfg.Upstream.StreamTimeout != 300*time.Second {
		t.Errorf("Upstream.StreamTimeout = %v", cfg.Upstream.StreamTimeout)
	}
	if cfg.Attachments.UnsupportedPolicy != "drop" {
		t.Errorf("Attachments.UnsupportedPolicy = %q", cfg.Attachments.UnsupportedPolicy)
	}
	if cfg.Storage.UploadTTL != 24*time.Hour {
		t.Errorf("Storage.UploadTTL = %v", cfg.Storage.UploadTTL)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if cfg.Server.APIKey != "" {
		t.Errorf("Server.APIKey = %q, want empty", cfg.Server.APIKey)
	}
}

// TestBackendValues verifies that all value types are read from the backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend(map[string]string{
		"server.host":                    "127.0.0.1",
		"server.port":                    "6000",
		"upstream.base_url":              "http://vendor.test",
		"upstream.tokens_file":           "/etc/qwen/tokens",
		"upstream.default_model":         "qwen-max",
		"upstream.request_timeout":       "15s",
		"attachments.unsupported_policy": "reject",
		"catalog.refresh_schedule":       "@hourly",
		"storage.data_dir":               "/tmp/qwenbridge-test",
		"metrics.enabled":                "false",
		"log.level":                      "debug",
		// Secrets never come from the backend.
		"upstream.auth_token": "leaked",
	})

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:6000" {
		t.Errorf("Server.Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Upstream.BaseURL != "http://vendor.test" || cfg.Upstream.DefaultModel != "qwen-max" {
		t.Errorf("Upstream = %+v", cfg.Upstream)
	}
	if cfg.Upstream.TokensFile != "/etc/qwen/tokens" {
		t.Errorf("Upstream.TokensFile = %q", cfg.Upstream.TokensFile)
	}
	if cfg.Upstream.AuthToken != "" {
		t.Errorf("Upstream.AuthToken = %q, secrets must not be read from the backend", cfg.Upstream.AuthToken)
	}
	if cfg.Upstream.RequestTimeout != 15*time.Second {
		t.Errorf("Upstream.RequestTimeout = %v", cfg.Upstream.RequestTimeout)
	}
	if cfg.Attachments.UnsupportedPolicy != "reject" || cfg.Catalog.RefreshSchedule != "@hourly" {
		t.Errorf("policy/schedule = %q/%q", cfg.Attachments.UnsupportedPolicy, cfg.Catalog.RefreshSchedule)
	}
	if cfg.Storage.DataDir != "/tmp/qwenbridge-test" || cfg.Metrics.Enabled || cfg.Log.Level != "debug" {
		t.Errorf("storage/metrics/log = %+v %+v %+v", cfg.Storage, cfg.Metrics, cfg.Log)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("QWENBRIDGE_AUTH_TOKEN", "env-token")
	t.Setenv("QWENBRIDGE_SERVER_PORT", "7000")
	t.Setenv("QWENBRIDGE_STREAM_TIMEOUT", "10m")
	t.Setenv("QWENBRIDGE_METRICS_ENABLED", "false")

	b := newMemBackend(map[string]string{"server.port": "6000"})
	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Upstream.AuthToken != "env-token" {
		t.Errorf("AuthToken = %q, want %q", cfg.Upstream.AuthToken, "env-token")
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Upstream.StreamTimeout != 10*time.Minute {
		t.Errorf("StreamTimeout = %v, want 10m", cfg.Upstream.StreamTimeout)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
}

// TestEnvOverride_Unparseable keeps defaults when a value does not parse.
func TestEnvOverride_Unparseable(t *testing.T) {
	clearEnv(t)
	t.Setenv("QWENBRIDGE_AUTH_TOKEN", "tok")
	t.Setenv("QWENBRIDGE_SERVER_PORT", "not-a-port")
	t.Setenv("QWENBRIDGE_UPLOAD_TIMEOUT", "soon")

	cfg, err := loadWith(newMemBackend(nil), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5001 || cfg.Upstream.UploadTimeout != 120*time.Second {
		t.Errorf("port/upload timeout = %d/%v, want defaults", cfg.Server.Port, cfg.Upstream.UploadTimeout)
	}
}

// TestMissingToken verifies a clear error when no vendor credential is configured.
func TestMissingToken(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(newMemBackend(nil), mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing token, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err.Error())
	}
}

// TestTokensFileSatisfiesCredential accepts a token file in place of a token.
func TestTokensFileSatisfiesCredential(t *testing.T) {
	clearEnv(t)
	t.Setenv("QWENBRIDGE_TOKENS_FILE", "/run/secrets/qwen")

	if _, err := loadWith(newMemBackend(nil), mockKeychain{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestKeychainFallback verifies the secret store is consulted when env is empty.
func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	kc := mockKeychain{values: map[string]string{
		"qwenbridge/auth_token": "keychain-token",
		"qwenbridge/api_key":    "keychain-key",
	}}
	cfg, err := loadWith(newMemBackend(nil), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Upstream.AuthToken != "keychain-token" {
		t.Errorf("AuthToken = %q, want %q", cfg.Upstream.AuthToken, "keychain-token")
	}
	if cfg.Server.APIKey != "keychain-key" {
		t.Errorf("APIKey = %q, want %q", cfg.Server.APIKey, "keychain-key")
	}
}

func TestInvalidPolicy(t *testing.T) {
	clearEnv(t)
	t.Setenv("QWENBRIDGE_AUTH_TOKEN", "tok")
	t.Setenv("QWENBRIDGE_UNSUPPORTED_POLICY", "ignore")

	if _, err := loadWith(newMemBackend(nil), mockKeychain{}); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)
	secrets := map[string]string{}
	setSecret := func(service, account, value string) error {
		secrets[service+"/"+account] = value
		return nil
	}

	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"server.port", "8080", false},
		{"server.port", "eighty", true},
		{"metrics.enabled", "no", true},
		{"metrics.enabled", "false", false},
		{"upstream.stream_timeout", "90s", false},
		{"upstream.stream_timeout", "long", true},
		{"upstream.default_model", "qwen-max", false},
		{"upstream.auth_token", "secret-token", false},
		{"nope.key", "x", true},
	}
	for _, tt := range tests {
		err := setKey(b, setSecret, tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("setKey(%s, %s) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}

	if b.data["server.port"] != "8080" || b.data["upstream.stream_timeout"] != "1m30s" || b.data["metrics.enabled"] != "false" {
		t.Errorf("backend = %v", b.data)
	}
	if _, ok := b.data["upstream.auth_token"]; ok {
		t.Error("secret written to the plain backend")
	}
	if secrets["qwenbridge/auth_token"] != "secret-token" {
		t.Errorf("secrets = %v", secrets)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Upstream.AuthToken = "eyJhbGciOiJIUzI1NiJ9.payload.sig"

	var sawToken, sawKey bool
	for _, ki := range ShowAll(cfg) {
		switch ki.Key {
		case "upstream.auth_token":
			sawToken = true
			if ki.Value != "eyJh....sig" {
				t.Errorf("auth_token shown as %q", ki.Value)
			}
		case "server.api_key":
			sawKey = true
			if ki.Value != "(unset)" {
				t.Errorf("api_key shown as %q", ki.Value)
			}
		}
	}
	if !sawToken || !sawKey {
		t.Error("secrets missing from ShowAll")
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys() = %d keys, want %d", len(ValidKeys()), len(specs))
	}
}
