package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	b := newPlatformBackend()

	for _, s := range specs {
		if s.key != key {
			continue
		}
		switch s.typ {
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		default:
			return b.SetString(key, value)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
