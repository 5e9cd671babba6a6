package training

import (
	"context"
	"fmt"
	"time"

	"github.com/kynex/loadforecast/internal/model"
)

// DefaultMinSamples is the smallest number of rows a cycle trains on.
const DefaultMinSamples = 250

// Row is one supervised example: features describing the previous reading
// and the watts observed at Timestamp.
type Row struct {
	Timestamp time.Time
	Features  []float64
	Target    float64
}

// TelemetryReader streams telemetry in ascending time order per customer.
// An empty customerID streams every customer.
type TelemetryReader interface {
	Stream(ctx context.Context, customerID string, since, until time.Time, fn func(model.TelemetrySample) error) error
}

// ProfileReader lists customer reference data.
type ProfileReader interface {
	ListProfiles(ctx context.Context) ([]model.CustomerProfile, error)
}

// FeatureBuilder turns a previous reading into a feature vector.
type FeatureBuilder interface {
	Build(ts time.Time, p model.CustomerProfile, prevWatts float64, prevTempC *float64) []float64
}

// Extraction is the output of one extraction pass.
type Extraction struct {
	Rows []Row
	// LastTelemetryTS is the newest sample seen in the window, nil if none.
	LastTelemetryTS *time.Time
	// Streamed counts every sample read, with or without a profile.
	Streamed int
}

// Extractor pairs consecutive readings of the same customer into rows.
type Extractor struct {
	Features   FeatureBuilder
	MinSamples int
}

// Extract reads [since, until] and emits one row per consecutive pair of
// readings. Customers without a profile are skipped. It fails with
// ErrDataInsufficiency when fewer than MinSamples rows come out.
func (e Extractor) Extract(ctx context.Context, telemetry TelemetryReader, profiles []model.CustomerProfile, since, until time.Time) (Extraction, error) {
	byID := make(map[string]model.CustomerProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	var out Extraction
	prev := make(map[string]model.TelemetrySample)
	err := telemetry.Stream(ctx, "", since, until, func(curr model.TelemetrySample) error {
		out.Streamed++
		if out.LastTelemetryTS == nil || curr.Timestamp.After(*out.LastTelemetryTS) {
			ts := curr.Timestamp
			out.LastTelemetryTS = &ts
		}

		p, hasPrev := prev[curr.CustomerID]
		prev[curr.CustomerID] = curr
		if !hasPrev || !curr.Timestamp.After(p.Timestamp) {
			return nil
		}
		profile, ok := byID[curr.CustomerID]
		if !ok {
			return nil
		}
		out.Rows = append(out.Rows, Row{
			Timestamp: curr.Timestamp,
			Features:  e.Features.Build(p.Timestamp, profile, p.Watts, p.TempC),
			Target:    curr.Watts,
		})
		return nil
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("streaming telemetry: %w", err)
	}

	need := e.MinSamples
	if need <= 0 {
		need = DefaultMinSamples
	}
	if len(out.Rows) < need {
		return out, fmt.Errorf("%w: %d rows, need at least %d", ErrDataInsufficiency, len(out.Rows), need)
	}
	return out, nil
}
