package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "SHELF_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "SHELF_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.conn_limit", typ: kInt, env: "SHELF_SERVER_CONN_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Server.ConnLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.ConnLimit },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SHELF_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.max_upload_bytes", typ: kInt, env: "SHELF_STORAGE_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Storage.MaxUploadBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.MaxUploadBytes },
	},
	{
		key: "lifecycle.retention", typ: kString, env: "SHELF_LIFECYCLE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.Retention = v.(string) },
		extract: func(cfg Config) any { return cfg.Lifecycle.Retention },
	},
	{
		key: "lifecycle.sweep_interval", typ: kString, env: "SHELF_LIFECYCLE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Lifecycle.SweepInterval },
	},
	{
		key: "resilience.max_retries", typ: kInt, env: "SHELF_RESILIENCE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Resilience.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Resilience.MaxRetries },
	},
	{
		key: "resilience.base_delay", typ: kString, env: "SHELF_RESILIENCE_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Resilience.BaseDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Resilience.BaseDelay },
	},
	{
		key: "resilience.max_delay", typ: kString, env: "SHELF_RESILIENCE_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Resilience.MaxDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Resilience.MaxDelay },
	},
	{
		key: "resilience.backoff_multiplier", typ: kFloat, env: "SHELF_RESILIENCE_BACKOFF_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Resilience.BackoffMultiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Resilience.BackoffMultiplier },
	},
	{
		key: "resilience.breaker_threshold", typ: kInt, env: "SHELF_RESILIENCE_BREAKER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Resilience.BreakerThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Resilience.BreakerThreshold },
	},
	{
		key: "resilience.breaker_timeout", typ: kString, env: "SHELF_RESILIENCE_BREAKER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Resilience.BreakerTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Resilience.BreakerTimeout },
	},
	{
		key: "resilience.log_capacity", typ: kInt, env: "SHELF_RESILIENCE_LOG_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Resilience.LogCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Resilience.LogCapacity },
	},
	{
		key: "vision.enabled", typ: kBool, env: "SHELF_VISION_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Vision.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Vision.Enabled },
	},
	{
		key: "vision.base_url", typ: kString, env: "SHELF_VISION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Vision.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vision.BaseURL },
	},
	{
		key: "vision.model", typ: kString, env: "SHELF_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Vision.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Vision.Model },
	},
	{
		key: "log.level", typ: kString, env: "SHELF_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
