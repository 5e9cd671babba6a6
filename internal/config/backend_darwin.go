//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.kynex.loadforecast"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "loadforecast")
	}
	return "loadforecast-data"
}

// defaultsBackend stores settings in the com.kynex.loadforecast UserDefaults
// domain through the defaults(1) tool. Values are written with the type of
// their key (-int, -bool, -float, -string) so `defaults read` shows them
// natively, and keys outside the settable set are never read or written.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) read(key string) (string, bool, error) {
	if _, err := settable(key); err != nil {
		return "", false, nil
	}
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s %s: %w: %s", b.domain, key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) write(key, typeFlag, val string) error {
	if out, err := exec.Command("defaults", "write", b.domain, key, typeFlag, val).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s %s: %w: %s", b.domain, key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	switch s.typ {
	case kBool:
		bv, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid bool value for %s: %w", key, err)
		}
		return b.write(key, "-bool", strconv.FormatBool(bv))
	case kFloat:
		if _, err := strconv.ParseFloat(val, 64); err != nil {
			return fmt.Errorf("invalid float value for %s: %w", key, err)
		}
		return b.write(key, "-float", val)
	default:
		return b.write(key, "-string", val)
	}
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *defaultsBackend) Delete(key string) error {
	if _, ok, err := b.read(key); err != nil || !ok {
		return err
	}
	if out, err := exec.Command("defaults", "delete", b.domain, key).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults delete %s %s: %w: %s", b.domain, key, err, strings.TrimSpace(string(out)))
	}
	return nil
}
