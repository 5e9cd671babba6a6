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
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "KYNEX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "KYNEX_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KYNEX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "training.days", typ: kInt, env: "KYNEX_TRAINING_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Training.Days = v.(int) },
		extract: func(cfg Config) any { return cfg.Training.Days },
	},
	{
		key: "training.seed", typ: kInt, env: "KYNEX_TRAINING_SEED",
		apply:   func(cfg *Config, v any) { cfg.Training.Seed = v.(int) },
		extract: func(cfg Config) any { return cfg.Training.Seed },
	},
	{
		key: "training.min_samples", typ: kInt, env: "KYNEX_TRAINING_MIN_SAMPLES",
		apply:   func(cfg *Config, v any) { cfg.Training.MinSamples = v.(int) },
		extract: func(cfg Config) any { return cfg.Training.MinSamples },
	},
	{
		key: "training.l2_candidates", typ: kString, env: "KYNEX_TRAINING_L2_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Training.L2Candidates = v.(string) },
		extract: func(cfg Config) any { return cfg.Training.L2Candidates },
	},
	{
		key: "training.test_fraction", typ: kFloat, env: "KYNEX_TRAINING_TEST_FRACTION",
		apply:   func(cfg *Config, v any) { cfg.Training.TestFraction = v.(float64) },
		extract: func(cfg Config) any { return cfg.Training.TestFraction },
	},
	{
		key: "training.parallelism", typ: kInt, env: "KYNEX_TRAINING_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Training.Parallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Training.Parallelism },
	},
	{
		key: "scheduler.enabled", typ: kBool, env: "KYNEX_SCHEDULER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Enabled },
	},
	{
		key: "scheduler.test_mode", typ: kBool, env: "KYNEX_SCHEDULER_TEST_MODE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.TestMode = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.TestMode },
	},
	{
		key: "scheduler.interval", typ: kString, env: "KYNEX_SCHEDULER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Interval },
	},
	{
		key: "scheduler.min_retrain_interval", typ: kString, env: "KYNEX_SCHEDULER_MIN_RETRAIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MinRetrainInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.MinRetrainInterval },
	},
	{
		key: "scheduler.min_new_samples", typ: kInt, env: "KYNEX_SCHEDULER_MIN_NEW_SAMPLES",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MinNewSamples = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MinNewSamples },
	},
	{
		key: "power.l2", typ: kFloat, env: "KYNEX_POWER_L2",
		apply:   func(cfg *Config, v any) { cfg.Power.L2 = v.(float64) },
		extract: func(cfg Config) any { return cfg.Power.L2 },
	},
	{
		key: "log.level", typ: kString, env: "KYNEX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// settable returns the spec of a key that may be stored in a backend.
// Secrets are only ever read from the environment.
func settable(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
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
