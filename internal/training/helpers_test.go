package training

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kynex/loadforecast/internal/features"
	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/synth"
)

// sliceTelemetry serves samples from memory in (customer, ts) order.
type sliceTelemetry struct {
	samples []model.TelemetrySample
}

func (s *sliceTelemetry) Stream(ctx context.Context, customerID string, since, until time.Time, fn func(model.TelemetrySample) error) error {
	sorted := append([]model.TelemetrySample(nil), s.samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CustomerID != sorted[j].CustomerID {
			return sorted[i].CustomerID < sorted[j].CustomerID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	for _, smp := range sorted {
		if customerID != "" && smp.CustomerID != customerID {
			continue
		}
		if smp.Timestamp.Before(since) || smp.Timestamp.After(until) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(smp); err != nil {
			return err
		}
	}
	return nil
}

type staticProfiles []model.CustomerProfile

func (p staticProfiles) ListProfiles(context.Context) ([]model.CustomerProfile, error) {
	return p, nil
}

type recordingSaver struct {
	mu       sync.Mutex
	calls    int
	selected model.Artifact
	meta     model.RetrainMetadata
	err      error
}

func (s *recordingSaver) Save(_ context.Context, a model.Artifact, meta model.RetrainMetadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	s.selected, s.meta = a, meta
	return "/models/current.json", nil
}

func referenceProfile() model.CustomerProfile {
	return model.CustomerProfile{
		ID:                 "C_ref",
		Segment:            model.SegmentResidential,
		City:               "Lisboa",
		ContractedPowerKVA: 6.9,
		Tariff:             model.TariffSimples,
	}
}

// fourteenDays returns 1344 readings at 15-minute resolution ending at end.
func fourteenDays(p model.CustomerProfile, end time.Time, seed uint64) []model.TelemetrySample {
	const steps = 14 * 96
	start := end.Add(-time.Duration(steps-1) * synth.Interval)
	return synth.New(seed).Telemetry(p, start, steps, nil)
}

func newTestPipeline(cfg Config, samples []model.TelemetrySample, profiles []model.CustomerProfile, saver ModelSaver) *Pipeline {
	return NewPipeline(cfg, &sliceTelemetry{samples: samples}, staticProfiles(profiles), features.Builder{}, features.Names(), saver)
}
