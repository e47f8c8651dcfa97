// Package config loads the daemon configuration from the platform-native
// backend (macOS UserDefaults, JSON file elsewhere), with SHELF_*
// environment variables taking precedence on all platforms.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Lifecycle  LifecycleConfig
	Resilience ResilienceConfig
	Vision     VisionConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	ConnLimit int
}

type StorageConfig struct {
	DataDir        string
	MaxUploadBytes int
}

// LifecycleConfig holds durations as strings ("720h", "1h") so the
// backend and env layers stay typed the same way; use the parsed
// accessors on Config.
type LifecycleConfig struct {
	Retention     string
	SweepInterval string
}

type ResilienceConfig struct {
	MaxRetries        int
	BaseDelay         string
	MaxDelay          string
	BackoffMultiplier float64
	BreakerThreshold  int
	BreakerTimeout    string
	LogCapacity       int
}

type VisionConfig struct {
	Enabled bool
	BaseURL string
	Model   string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      4100,
			ConnLimit: 64,
		},
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			MaxUploadBytes: 10 << 20,
		},
		Lifecycle: LifecycleConfig{
			Retention:     "720h",
			SweepInterval: "1h",
		},
		Resilience: ResilienceConfig{
			MaxRetries:        3,
			BaseDelay:         "1s",
			MaxDelay:          "30s",
			BackoffMultiplier: 2,
			BreakerThreshold:  5,
			BreakerTimeout:    "60s",
			LogCapacity:       512,
		},
		Vision: VisionConfig{
			Enabled: true,
			BaseURL: "http://localhost:11434",
			Model:   "llava",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform backend and applies SHELF_*
// environment overrides.
//
// On macOS the backend is UserDefaults (domain: com.shelf.app). On Linux
// and other platforms it is a JSON file at $XDG_CONFIG_HOME/shelf/config.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Storage.DataDir == "" {
		return Config{}, fmt.Errorf("storage.data_dir must not be empty")
	}
	return cfg, nil
}

// Retention returns the parsed retention window, falling back to the
// default when the configured value does not parse.
func (c Config) Retention() time.Duration {
	return parseDuration(c.Lifecycle.Retention, 720*time.Hour)
}

// SweepInterval returns the parsed cleanup interval.
func (c Config) SweepInterval() time.Duration {
	return parseDuration(c.Lifecycle.SweepInterval, time.Hour)
}

// BaseDelay returns the parsed first retry delay.
func (c Config) BaseDelay() time.Duration {
	return parseDuration(c.Resilience.BaseDelay, time.Second)
}

// MaxDelay returns the parsed backoff cap.
func (c Config) MaxDelay() time.Duration {
	return parseDuration(c.Resilience.MaxDelay, 30*time.Second)
}

// BreakerTimeout returns the parsed breaker cooldown.
func (c Config) BreakerTimeout() time.Duration {
	return parseDuration(c.Resilience.BreakerTimeout, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration %q, using %s\n", s, fallback)
		return fallback
	}
	return d
}
