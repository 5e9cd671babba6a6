package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kynex/loadforecast/internal/power"
	"github.com/kynex/loadforecast/internal/scheduler"
	"github.com/kynex/loadforecast/internal/training"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Training  TrainingConfig
	Scheduler SchedulerConfig
	Power     PowerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type TrainingConfig struct {
	Days         int
	Seed         int
	MinSamples   int
	L2Candidates string // comma separated
	TestFraction float64
	Parallelism  int
}

type SchedulerConfig struct {
	Enabled            bool
	TestMode           bool
	Interval           string
	MinRetrainInterval string
	MinNewSamples      int
}

// PowerConfig tunes the contracted power recommender.
type PowerConfig struct {
	L2 float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Training: TrainingConfig{
			Days:         training.DefaultDays,
			Seed:         42,
			MinSamples:   training.DefaultMinSamples,
			L2Candidates: "0.5,1,2,4,8",
			TestFraction: training.DefaultTestFraction,
			Parallelism:  1,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			Interval:           "6h",
			MinRetrainInterval: "30m",
			MinNewSamples:      500,
		},
		Power: PowerConfig{
			L2: power.DefaultL2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables, then validates it.
//
// On macOS the backend is UserDefaults (domain: com.kynex.loadforecast).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/loadforecast/config.json.
//
// Environment variables (KYNEX_*) override backend values on all platforms.
// The API token is only read from KYNEX_API_TOKEN.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the trainer or scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	if c.Training.Days <= 0 {
		errs = append(errs, fmt.Errorf("training.days must be positive, got %d", c.Training.Days))
	}
	if c.Training.MinSamples <= 0 {
		errs = append(errs, fmt.Errorf("training.min_samples must be positive, got %d", c.Training.MinSamples))
	}
	if _, err := ParseCandidates(c.Training.L2Candidates); err != nil {
		errs = append(errs, fmt.Errorf("training.l2_candidates: %w", err))
	}
	if c.Training.TestFraction <= 0 || c.Training.TestFraction >= 1 {
		errs = append(errs, fmt.Errorf("training.test_fraction must be in (0, 1), got %g", c.Training.TestFraction))
	}
	if c.Training.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("training.parallelism must be positive, got %d", c.Training.Parallelism))
	}
	if _, err := time.ParseDuration(c.Scheduler.Interval); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.interval: %w", err))
	}
	if d, err := time.ParseDuration(c.Scheduler.MinRetrainInterval); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.min_retrain_interval: %w", err))
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("scheduler.min_retrain_interval is negative"))
	}
	if c.Scheduler.MinNewSamples < 0 {
		errs = append(errs, fmt.Errorf("scheduler.min_new_samples is negative"))
	}
	if c.Power.L2 < 0 || math.IsNaN(c.Power.L2) {
		errs = append(errs, fmt.Errorf("power.l2 must be a non-negative number, got %g", c.Power.L2))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// ParseCandidates parses a comma separated list of non-negative penalties.
func ParseCandidates(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid penalty %q: %w", part, err)
		}
		if v < 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("penalty %q must be a non-negative number", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("no penalties given")
	}
	return out, nil
}

// Pipeline returns the training pipeline configuration. Call Validate first;
// invalid entries fall back to the pipeline defaults.
func (c Config) Pipeline() training.Config {
	tc := training.DefaultConfig()
	tc.Days = c.Training.Days
	tc.MinSamples = c.Training.MinSamples
	tc.TestFraction = c.Training.TestFraction
	tc.Parallelism = c.Training.Parallelism
	if cands, err := ParseCandidates(c.Training.L2Candidates); err == nil {
		tc.L2Candidates = cands
	}
	return tc
}

// Schedule returns the retrain scheduler configuration.
func (c Config) Schedule() scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.Enabled = c.Scheduler.Enabled
	sc.TestMode = c.Scheduler.TestMode
	sc.MinNewSamples = c.Scheduler.MinNewSamples
	if d, err := time.ParseDuration(c.Scheduler.Interval); err == nil {
		sc.Interval = d
	}
	if d, err := time.ParseDuration(c.Scheduler.MinRetrainInterval); err == nil {
		sc.MinRetrainInterval = d
	}
	return sc
}
