package power

import (
	"context"
	"fmt"
	"time"

	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/training"
)

// Source reads the customer and telemetry data the recommender trains on.
type Source interface {
	ListProfiles(ctx context.Context) ([]model.CustomerProfile, error)
	LatestTimestampFor(ctx context.Context, customerID string) (*time.Time, error)
	WattStats(ctx context.Context, customerID string, since, until time.Time) (peak, avg float64, err error)
}

// Sample is one customer's training row.
type Sample struct {
	Profile       model.CustomerProfile
	Stats         Stats
	LastTelemetry time.Time
}

// Collect returns a sample for every customer with telemetry. Each window
// ends at that customer's newest sample, so a feed that stopped early still
// contributes its last 30 days.
func Collect(ctx context.Context, src Source) ([]Sample, error) {
	profiles, err := src.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	var out []Sample
	for _, p := range profiles {
		latest, err := src.LatestTimestampFor(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("latest telemetry for %s: %w", p.ID, err)
		}
		if latest == nil {
			continue
		}
		peak, avg, err := src.WattStats(ctx, p.ID, latest.Add(-StatsWindow), *latest)
		if err != nil {
			return nil, err
		}
		out = append(out, Sample{
			Profile:       p,
			Stats:         Stats{PeakWatts: peak, AvgWatts: avg},
			LastTelemetry: *latest,
		})
	}
	return out, nil
}

// Train fits the recommender on samples against IdealKVA. Metrics are
// in-sample: the target is a deterministic rule, so there is no held-out
// split to learn from.
func Train(samples []Sample, l2 float64, now time.Time) (*Model, error) {
	if len(samples) < MinCustomers {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewCustomers, len(samples), MinCustomers)
	}
	x := make([][]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = Features(s.Profile, s.Stats)
		y[i] = IdealKVA(s.Profile.Segment, s.Stats)
	}

	fit, err := training.FitRidge(x, y, l2)
	if err != nil {
		return nil, fmt.Errorf("fitting power model: %w", err)
	}
	pred := make([]float64, len(x))
	for i, row := range x {
		pred[i] = fit.Predict(row)
	}
	metrics, err := training.Evaluate(y, pred)
	if err != nil {
		return nil, err
	}

	return &Model{
		Version:      modelVersion,
		TrainedAt:    now.UTC(),
		L2:           l2,
		FeatureNames: FeatureNames(),
		Mean:         fit.Norm.Mean,
		Std:          fit.Norm.Std,
		Weights:      fit.Weights,
		Bias:         fit.Bias,
		Customers:    len(samples),
		Metrics:      metrics,
	}, nil
}

// Recommendation compares a customer's contract with the model's suggestion.
type Recommendation struct {
	CustomerID     string  `json:"customer_id"`
	Segment        string  `json:"segment"`
	CurrentKVA     float64 `json:"current_kva"`
	RecommendedKVA float64 `json:"recommended_kva"`
	IdealKVA       float64 `json:"ideal_kva"`
	Stats          Stats   `json:"stats_30d"`
}

// Delta is the change from the current contract, positive for an upgrade.
func (r Recommendation) Delta() float64 {
	return r.RecommendedKVA - r.CurrentKVA
}

// RecommendAll scores every sample in order.
func (m *Model) RecommendAll(samples []Sample) []Recommendation {
	out := make([]Recommendation, len(samples))
	for i, s := range samples {
		out[i] = Recommendation{
			CustomerID:     s.Profile.ID,
			Segment:        s.Profile.Segment,
			CurrentKVA:     s.Profile.ContractedPowerKVA,
			RecommendedKVA: m.Recommend(s.Profile, s.Stats),
			IdealKVA:       IdealKVA(s.Profile.Segment, s.Stats),
			Stats:          s.Stats,
		}
	}
	return out
}
