//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

func defaultDataDir() string {
	if dir := xdgDir("XDG_DATA_HOME", ".local", "share"); dir != "" {
		return dir
	}
	return "loadforecast-data"
}

func configFilePath() string {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		dir = "loadforecast"
	}
	return filepath.Join(dir, "config.json")
}

// xdgDir returns $env/loadforecast, falling back to ~/<rel...>/loadforecast.
// It returns "" when neither is available.
func xdgDir(env string, rel ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "loadforecast")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append(append([]string{home}, rel...), "loadforecast")...)
}

// fileBackend keeps settings as one flat JSON object keyed by dotted config
// key. Numbers and booleans are stored as JSON scalars:
//
//	{"training.days": 21, "power.l2": 0.5, "scheduler.enabled": false}
//
// Entries that are not settable keys are dropped on load, so a hand-edited
// file cannot supply the API token.
type fileBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return
	}

	var dropped []string
	for key, v := range raw {
		if _, err := settable(key); err != nil {
			dropped = append(dropped, key)
			continue
		}
		b.values[key] = v
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		fmt.Fprintf(os.Stderr, "[WARN] ignoring %v in config file %s: not settable keys.\n", dropped, b.path)
	}
}

// save replaces the file through a temporary sibling.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), true, nil
	case int:
		return strconv.Itoa(val), true, nil
	default:
		return "", true, fmt.Errorf("%s holds a %T, want a scalar", key, v)
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s holds a %T, want an integer", key, v)
	}
}

// SetString stores val with the JSON type of the key: booleans and floats
// are parsed, everything else is kept as a string.
func (b *fileBackend) SetString(key, val string) error {
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
		b.values[key] = bv
	case kFloat:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %w", key, err)
		}
		b.values[key] = f
	default:
		b.values[key] = val
	}
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	if _, err := settable(key); err != nil {
		return err
	}
	b.values[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.save()
}
