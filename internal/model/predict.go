package model

import (
	"fmt"
	"math"
	"time"
)

// BucketIndex maps a timestamp to its weekly bucket: day_of_week*24 + hour in
// UTC, with Monday as day 0.
func BucketIndex(ts time.Time) int {
	ts = ts.UTC()
	dow := (int(ts.Weekday()) + 6) % 7
	return dow*24 + ts.Hour()
}

// Predict returns the forecast in watts for the interval at ts. Ridge models
// use features; hourly profiles only look at ts.
func Predict(a Artifact, ts time.Time, features []float64) (float64, error) {
	switch m := a.(type) {
	case *RidgeModel:
		if len(features) != len(m.Weights) {
			return 0, fmt.Errorf("%w: got %d features, model has %d", ErrInvalidModel, len(features), len(m.Weights))
		}
		return m.PredictRow(features), nil
	case *HourlyProfileModel:
		if len(m.Buckets) != BucketCount {
			return 0, fmt.Errorf("%w: %d buckets", ErrInvalidModel, len(m.Buckets))
		}
		return m.Buckets[BucketIndex(ts)], nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownModelType, a)
	}
}

// PredictRow applies the standardization and the linear weights.
func (m *RidgeModel) PredictRow(x []float64) float64 {
	y := m.Bias
	for j, w := range m.Weights {
		y += w * (x[j] - m.Mean[j]) / m.Std[j]
	}
	return y
}

// Clamp bounds a prediction to what the customer's connection can draw.
// NaN is passed through so callers can detect broken models.
func Clamp(watts float64, p CustomerProfile) float64 {
	v := math.Max(watts, 0)
	if p.ContractedPowerKVA > 0 {
		v = math.Min(v, p.ContractedPowerKVA*1000)
	}
	return v
}
