package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kynex/loadforecast/internal/config"
	"github.com/kynex/loadforecast/internal/features"
	"github.com/kynex/loadforecast/internal/metrics"
	"github.com/kynex/loadforecast/internal/modelstore"
	"github.com/kynex/loadforecast/internal/power"
	"github.com/kynex/loadforecast/internal/scheduler"
	"github.com/kynex/loadforecast/internal/storage"
	"github.com/kynex/loadforecast/internal/synth"
	"github.com/kynex/loadforecast/internal/training"
)

// staleAfter is the telemetry gap above which a customer is reported stale.
const staleAfter = 20 * time.Minute

// app holds the components shared by the commands.
type app struct {
	cfg      config.Config
	store    *storage.Store
	models   *modelstore.Store
	metrics  *metrics.Retrain
	pipeline *training.Pipeline
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func openApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	models := modelstore.New(cfg.Storage.DataDir)
	return &app{
		cfg:      cfg,
		store:    store,
		models:   models,
		metrics:  metrics.New(nil),
		pipeline: training.NewPipeline(cfg.Pipeline(), store, store, features.Builder{}, features.Names(), models),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) newScheduler(sc scheduler.Config, opts ...scheduler.Option) *scheduler.Scheduler {
	base := []scheduler.Option{
		scheduler.WithRunRecorder(a.store),
		scheduler.WithMetrics(a.metrics),
	}
	return scheduler.New(sc, a.pipeline, a.models, a.store, append(base, opts...)...)
}

// train runs one gated cycle. force disables the freshness gates.
func (a *app) train(ctx context.Context, force bool, opts ...scheduler.Option) scheduler.Result {
	sc := a.cfg.Schedule()
	if force {
		sc.MinRetrainInterval = 0
		sc.MinNewSamples = 0
	}
	return a.newScheduler(sc, opts...).RunOnce(ctx)
}

type seedSummary struct {
	Customers int
	Samples   int
}

// seed generates n customers and up to days of telemetry ending at now. For
// customers that already have telemetry only the missing tail is generated,
// so repeated runs with the same seed extend the history instead of
// duplicating it.
func (a *app) seed(ctx context.Context, seed uint64, n, days int, now time.Time) (seedSummary, error) {
	g := synth.New(seed)
	generated := g.Customers(n)
	end := now.UTC().Truncate(synth.Interval)

	customers := make([]storage.Customer, len(generated))
	for i, c := range generated {
		customers[i] = storage.Customer{CustomerProfile: c.CustomerProfile, Name: c.Name, CreatedAt: end}
	}
	if err := a.store.SaveCustomers(ctx, customers); err != nil {
		return seedSummary{}, err
	}

	sum := seedSummary{Customers: len(generated)}
	for _, c := range generated {
		start := end.AddDate(0, 0, -days).Add(synth.Interval)
		latest, err := a.store.LatestTimestampFor(ctx, c.ID)
		if err != nil {
			return sum, fmt.Errorf("latest telemetry for %s: %w", c.ID, err)
		}
		if latest != nil && !latest.Before(start) {
			start = latest.Add(synth.Interval)
		}
		if start.After(end) {
			continue
		}
		steps := int(end.Sub(start)/synth.Interval) + 1
		samples := g.Telemetry(c.CustomerProfile, start, steps, nil)
		if err := a.store.InsertTelemetry(ctx, samples); err != nil {
			return sum, err
		}
		sum.Samples += len(samples)
	}
	return sum, nil
}

type telemetryStatus struct {
	CustomerID string
	Name       string
	Latest     *time.Time
	Gap        time.Duration
	Stale      bool
}

// checkTelemetry reports the newest sample of each customer, or only of
// customerID when set.
func (a *app) checkTelemetry(ctx context.Context, customerID string, now time.Time) ([]telemetryStatus, error) {
	var latest []storage.CustomerLatest
	if customerID != "" {
		c, err := a.store.GetCustomer(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("customer %s: %w", customerID, err)
		}
		ts, err := a.store.LatestTimestampFor(ctx, customerID)
		if err != nil {
			return nil, err
		}
		latest = []storage.CustomerLatest{{CustomerID: c.ID, Name: c.Name, Latest: ts}}
	} else {
		var err error
		if latest, err = a.store.LatestByCustomer(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]telemetryStatus, len(latest))
	for i, l := range latest {
		st := telemetryStatus{CustomerID: l.CustomerID, Name: l.Name, Latest: l.Latest, Stale: true}
		if l.Latest != nil {
			st.Gap = now.Sub(*l.Latest)
			st.Stale = st.Gap > staleAfter
		}
		out[i] = st
	}
	return out, nil
}

type powerReport struct {
	Model           *power.Model
	Path            string
	Recommendations []power.Recommendation
}

// recommendPower refits the power recommender on every customer with
// telemetry, saves it and scores the same customers. A non-empty customerID
// narrows the returned recommendations to that customer.
func (a *app) recommendPower(ctx context.Context, l2 float64, customerID string, now time.Time) (powerReport, error) {
	samples, err := power.Collect(ctx, a.store)
	if err != nil {
		return powerReport{}, err
	}
	m, err := power.Train(samples, l2, now)
	if err != nil {
		return powerReport{}, err
	}
	path, err := a.models.SavePower(m)
	if err != nil {
		return powerReport{}, err
	}

	recs := m.RecommendAll(samples)
	if customerID != "" {
		var only []power.Recommendation
		for _, r := range recs {
			if r.CustomerID == customerID {
				only = append(only, r)
			}
		}
		if len(only) == 0 {
			return powerReport{}, fmt.Errorf("customer %s has no telemetry: %w", customerID, storage.ErrNotFound)
		}
		recs = only
	}
	return powerReport{Model: m, Path: path, Recommendations: recs}, nil
}
