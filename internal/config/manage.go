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
		if s.secret {
			continue
		}
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
	return setKeyIn(newPlatformBackend(), key, value)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, i)
	case kBool:
		bv, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value for %s: %w", key, err)
		}
		return b.SetString(key, strconv.FormatBool(bv))
	case kFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %w", key, err)
		}
		return b.SetString(key, strconv.FormatFloat(f, 'g', -1, 64))
	default:
		return b.SetString(key, value)
	}
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// UnsetKey removes a stored value so the default (or env override) applies again.
func UnsetKey(key string) error {
	return unsetKeyIn(newPlatformBackend(), key)
}

func unsetKeyIn(b ConfigBackend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Delete(key)
}
