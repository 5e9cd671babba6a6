// Package scheduler drives periodic retraining. A single Scheduler owns the
// in-progress guard and the last result; ticks that arrive while a retrain is
// running are dropped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kynex/loadforecast/internal/metrics"
	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/storage"
	"github.com/kynex/loadforecast/internal/training"
)

// MinInterval is the shortest allowed period between scheduled ticks.
const MinInterval = 5 * time.Minute

// Skip reasons reported in Result.Reason.
const (
	ReasonRecent          = "recent"
	ReasonInsufficientNew = "insufficient new data"
)

// Config controls the scheduler gates and period.
type Config struct {
	Enabled bool
	// TestMode disables the scheduler entirely; RunOnce still works.
	TestMode           bool
	Interval           time.Duration
	MinRetrainInterval time.Duration
	MinNewSamples      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Interval:           6 * time.Hour,
		MinRetrainInterval: 30 * time.Minute,
		MinNewSamples:      500,
	}
}

// Trainer runs one full training cycle.
type Trainer interface {
	Run(ctx context.Context, now time.Time) (training.Outcome, error)
}

// MetadataSource reports the last successful retrain.
type MetadataSource interface {
	Metadata() (model.RetrainMetadata, bool, error)
}

// NoveltyCounter counts telemetry strictly newer than ts.
type NoveltyCounter interface {
	CountSince(ctx context.Context, ts time.Time) (int, error)
}

// RunRecorder persists the history of attempts.
type RunRecorder interface {
	RecordRetrainRun(ctx context.Context, run storage.RetrainRun) error
}

// Result is the status of the most recent attempt.
type Result struct {
	OK        bool           `json:"ok"`
	RunID     string         `json:"run_id,omitempty"`
	TrainedAt *time.Time     `json:"trained_at,omitempty"`
	Samples   int            `json:"samples,omitempty"`
	ModelPath string         `json:"model_path,omitempty"`
	Metrics   *model.Metrics `json:"metrics,omitempty"`
	ModelType model.Kind     `json:"model_type,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	At        *time.Time     `json:"at,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger replaces slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics publishes run outcomes to m.
func WithMetrics(m *metrics.Retrain) Option { return func(s *Scheduler) { s.metrics = m } }

// WithRunRecorder stores every attempt in r.
func WithRunRecorder(r RunRecorder) Option { return func(s *Scheduler) { s.recorder = r } }

// Scheduler gates and runs retraining.
type Scheduler struct {
	cfg      Config
	interval time.Duration
	trainer  Trainer
	meta     MetadataSource
	novelty  NoveltyCounter
	recorder RunRecorder
	metrics  *metrics.Retrain
	clock    Clock
	logger   *slog.Logger

	running atomic.Bool

	mu   sync.RWMutex
	last *Result
}

// New builds a scheduler. The interval is raised to MinInterval if shorter.
func New(cfg Config, trainer Trainer, meta MetadataSource, novelty NoveltyCounter, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		interval: max(cfg.Interval, MinInterval),
		trainer:  trainer,
		meta:     meta,
		novelty:  novelty,
		clock:    RealClock{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Interval returns the effective tick period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Running reports whether a retrain is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// LastResult returns the most recent result, nil before the first attempt.
func (s *Scheduler) LastResult() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *Scheduler) setLast(r Result) {
	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()
}

// Run retrains once right away, then on every tick until ctx is cancelled.
// It returns immediately when the scheduler is disabled or in test mode.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled || s.cfg.TestMode {
		s.logger.Info("retrain scheduler disabled", "enabled", s.cfg.Enabled, "test_mode", s.cfg.TestMode)
		return
	}

	s.logger.Info("retrain scheduler started", "interval", s.interval)
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retrain scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Trigger starts RunOnce in the background. It returns false when a retrain
// is already running, in which case nothing is started.
func (s *Scheduler) Trigger() bool {
	if s.running.Load() {
		return false
	}
	go s.RunOnce(context.Background())
	return true
}

// RunOnce evaluates the gates and, if they pass, runs one training cycle.
// It never returns an error: failures are reported in the Result.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	if !s.running.CompareAndSwap(false, true) {
		s.observe(metrics.OutcomeBusy)
		s.logger.Debug("retrain already running, tick dropped")
		if last := s.LastResult(); last != nil {
			return *last
		}
		return Result{}
	}
	defer s.running.Store(false)

	runID := uuid.NewString()
	started := s.clock.Now().UTC()
	log := s.logger.With("run_id", runID)

	if reason, err := s.gate(ctx, started); err != nil {
		return s.fail(ctx, log, runID, started, err)
	} else if reason != "" {
		return s.skip(ctx, log, runID, started, reason)
	}

	log.Info("retrain started")
	out, err := s.train(ctx, started)
	s.observeDuration(s.clock.Since(started))
	if err != nil {
		return s.fail(ctx, log, runID, started, err)
	}

	q := out.Selected.Quality()
	trainedAt := out.Selected.Trained()
	res := Result{
		OK:        true,
		RunID:     runID,
		TrainedAt: &trainedAt,
		Samples:   out.Samples,
		ModelPath: out.ModelPath,
		Metrics:   q,
		ModelType: out.Selected.Kind(),
	}
	s.setLast(res)
	s.observe(metrics.OutcomeSuccess)
	if s.metrics != nil {
		s.metrics.ObserveModel(res.ModelType, res.Samples, q)
	}
	log.Info("retrain finished", "model_type", res.ModelType, "samples", res.Samples, "model_path", res.ModelPath)
	s.record(ctx, log, storage.RetrainRun{
		ID: runID, StartedAt: started, Outcome: metrics.OutcomeSuccess,
		ModelType: string(res.ModelType), Samples: res.Samples, Metrics: q,
	})
	return res
}

// gate returns a non-empty skip reason when the model is fresh enough.
func (s *Scheduler) gate(ctx context.Context, now time.Time) (string, error) {
	meta, ok, err := s.meta.Metadata()
	if err != nil {
		return "", fmt.Errorf("reading retrain metadata: %w", err)
	}
	if !ok {
		return "", nil
	}
	if now.Sub(meta.TrainedAt) < s.cfg.MinRetrainInterval {
		return ReasonRecent, nil
	}
	if meta.LastTelemetryTS != nil && s.novelty != nil {
		n, err := s.novelty.CountSince(ctx, *meta.LastTelemetryTS)
		if err != nil {
			return "", fmt.Errorf("counting new telemetry: %w", err)
		}
		if n < s.cfg.MinNewSamples {
			return ReasonInsufficientNew, nil
		}
	}
	return "", nil
}

// train runs the pipeline, turning a panic into an error so one bad cycle
// cannot take the process down.
func (s *Scheduler) train(ctx context.Context, now time.Time) (out training.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retrain panicked: %v", r)
		}
	}()
	out, err = s.trainer.Run(ctx, now)
	if err == nil && out.Selected == nil {
		err = fmt.Errorf("trainer returned no model")
	}
	return out, err
}

func (s *Scheduler) skip(ctx context.Context, log *slog.Logger, runID string, started time.Time, reason string) Result {
	res := Result{OK: true}
	if last := s.LastResult(); last != nil {
		res = *last
	}
	res.RunID = runID
	res.Skipped = true
	res.Reason = reason
	s.setLast(res)

	outcome := metrics.OutcomeSkippedRecent
	if reason == ReasonInsufficientNew {
		outcome = metrics.OutcomeSkippedNoNewData
	}
	s.observe(outcome)
	log.Info("retrain skipped", "reason", reason)
	s.record(ctx, log, storage.RetrainRun{ID: runID, StartedAt: started, Outcome: outcome, Reason: reason})
	return res
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, runID string, started time.Time, err error) Result {
	at := s.clock.Now().UTC()
	res := Result{OK: false, RunID: runID, At: &at, Error: err.Error()}
	s.setLast(res)
	s.observe(metrics.OutcomeFailure)
	log.Error("retrain failed", "error", err)
	s.record(ctx, log, storage.RetrainRun{ID: runID, StartedAt: started, Outcome: metrics.OutcomeFailure, Error: err.Error()})
	return res
}

func (s *Scheduler) record(ctx context.Context, log *slog.Logger, run storage.RetrainRun) {
	if s.recorder == nil {
		return
	}
	run.FinishedAt = s.clock.Now().UTC()
	if err := s.recorder.RecordRetrainRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("recording retrain run", "error", err)
	}
}

func (s *Scheduler) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveRun(outcome)
	}
}

func (s *Scheduler) observeDuration(d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveDuration(d)
	}
}
