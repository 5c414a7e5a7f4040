package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "QWENBRIDGE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "QWENBRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_key", typ: kString, env: "QWENBRIDGE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIKey },
	},
	{
		key: "upstream.base_url", typ: kString, env: "QWENBRIDGE_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.auth_token", typ: kString, env: "QWENBRIDGE_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.AuthToken },
	},
	{
		key: "upstream.tokens_file", typ: kString, env: "QWENBRIDGE_TOKENS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Upstream.TokensFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.TokensFile },
	},
	{
		key: "upstream.default_model", typ: kString, env: "QWENBRIDGE_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.DefaultModel },
	},
	{
		key: "upstream.request_timeout", typ: kDuration, env: "QWENBRIDGE_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.RequestTimeout },
	},
	{
		key: "upstream.stream_timeout", typ: kDuration, env: "QWENBRIDGE_STREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.StreamTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.StreamTimeout },
	},
	{
		key: "upstream.upload_timeout", typ: kDuration, env: "QWENBRIDGE_UPLOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.UploadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.UploadTimeout },
	},
	{
		key: "attachments.unsupported_policy", typ: kString, env: "QWENBRIDGE_UNSUPPORTED_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Attachments.UnsupportedPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Attachments.UnsupportedPolicy },
	},
	{
		key: "catalog.refresh_schedule", typ: kString, env: "QWENBRIDGE_CATALOG_REFRESH",
		apply:   func(cfg *Config, v any) { cfg.Catalog.RefreshSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.RefreshSchedule },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QWENBRIDGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.upload_ttl", typ: kDuration, env: "QWENBRIDGE_UPLOAD_TTL",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.UploadTTL },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "QWENBRIDGE_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "QWENBRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
