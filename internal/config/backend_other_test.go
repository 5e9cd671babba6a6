//go:build !darwin

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "loadforecast", "config.json")

	b := newFileBackend(path)
	if err := setKeyIn(b, "training.days", "21"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := setKeyIn(b, "scheduler.test_mode", "true"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Training.Days != 21 {
		t.Errorf("Training.Days = %d, want 21", cfg.Training.Days)
	}
	if !cfg.Scheduler.TestMode {
		t.Error("Scheduler.TestMode = false, want true")
	}
}

func TestFileBackendCorruptFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Training.Days != 14 {
		t.Errorf("Training.Days = %d, want 14", cfg.Training.Days)
	}
}

func TestFileBackendStoresTypedValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")

	b := newFileBackend(path)
	for key, val := range map[string]string{
		"training.days":      "21",
		"power.l2":           "0.5",
		"scheduler.enabled":  "false",
		"scheduler.interval": "2h",
	} {
		if err := setKeyIn(b, key, val); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("config file is not JSON: %v", err)
	}
	if got["training.days"] != 21.0 || got["power.l2"] != 0.5 || got["scheduler.enabled"] != false || got["scheduler.interval"] != "2h" {
		t.Errorf("stored values = %v", got)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Training.Days != 21 || cfg.Power.L2 != 0.5 || cfg.Scheduler.Enabled || cfg.Scheduler.Interval != "2h" {
		t.Errorf("loaded config = %+v", cfg)
	}
}

func TestFileBackendIgnoresTokenAndUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server.api_token": "from-file", "training.dayz": 3, "training.days": 9}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newFileBackend(path)
	if _, ok, _ := b.GetString("server.api_token"); ok {
		t.Error("api token read from the config file")
	}
	if _, ok, _ := b.GetInt("training.dayz"); ok {
		t.Error("unknown key kept")
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("Server.APIToken = %q, want empty", cfg.Server.APIToken)
	}
	if cfg.Training.Days != 9 {
		t.Errorf("Training.Days = %d, want 9", cfg.Training.Days)
	}

	// The next save rewrites the file without the dropped entries.
	if err := setKeyIn(b, "training.seed", "7"); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "from-file") || strings.Contains(string(data), "dayz") {
		t.Errorf("dropped entries written back: %s", data)
	}
}

func TestFileBackendRejectsUnsettableKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := b.SetString("server.api_token", "x"); err == nil {
		t.Error("SetString accepted the API token")
	}
	if err := b.SetInt("bogus", 1); err == nil {
		t.Error("SetInt accepted an unknown key")
	}
	if err := b.SetString("power.l2", "lots"); err == nil {
		t.Error("SetString accepted a non-numeric float")
	}
	if err := b.Delete("training.days"); err != nil {
		t.Errorf("Delete of an unset key: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("config file created without a successful write: %v", err)
	}
}
