// Package model defines the persisted forecasting artifacts and the
// inference helpers shared by the trainer and its consumers.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// FeatureCount is the length of every ridge feature vector.
	FeatureCount = 17
	// BucketCount is the number of day-of-week × hour buckets.
	BucketCount = 7 * 24
	// StdFloor is the smallest standard deviation a persisted ridge model may hold.
	StdFloor = 1e-9
	// IntervalMinutes is the telemetry resolution the models forecast at.
	IntervalMinutes = 15
	// SchemaVersion is written to every artifact.
	SchemaVersion = 1
)

var (
	ErrUnknownModelType = errors.New("unknown model type")
	ErrInvalidModel     = errors.New("invalid model")
)

// Kind discriminates the artifact union on disk.
type Kind string

const (
	KindRidge         Kind = "ridge"
	KindHourlyProfile Kind = "hourly_profile"
)

// Metrics are held-out regression quality figures.
type Metrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

// Artifact is a trained model. It is implemented only by *RidgeModel and
// *HourlyProfileModel; callers switch on the concrete type.
type Artifact interface {
	Kind() Kind
	Trained() time.Time
	Quality() *Metrics
	Validate() error

	artifact()
}

// RidgeModel is a standardized L2-regularized linear model.
type RidgeModel struct {
	Type            Kind      `json:"type"`
	Version         int       `json:"version"`
	TrainedAt       time.Time `json:"trained_at"`
	IntervalMinutes int       `json:"interval_minutes"`
	L2              float64   `json:"l2"`
	L2Candidates    []float64 `json:"l2_candidates,omitempty"`
	FeatureNames    []string  `json:"feature_names"`
	Mean            []float64 `json:"mean"`
	Std             []float64 `json:"std"`
	Weights         []float64 `json:"weights"`
	Bias            float64   `json:"bias"`
	Samples         int       `json:"samples,omitempty"`
	Metrics         *Metrics  `json:"metrics,omitempty"`
}

func (*RidgeModel) artifact()            {}
func (*RidgeModel) Kind() Kind           { return KindRidge }
func (m *RidgeModel) Trained() time.Time { return m.TrainedAt }
func (m *RidgeModel) Quality() *Metrics  { return m.Metrics }

// Validate checks the vector lengths and the std floor.
func (m *RidgeModel) Validate() error {
	if m.Type != KindRidge {
		return fmt.Errorf("%w: type %q on ridge model", ErrInvalidModel, m.Type)
	}
	for name, n := range map[string]int{
		"feature_names": len(m.FeatureNames),
		"mean":          len(m.Mean),
		"std":           len(m.Std),
		"weights":       len(m.Weights),
	} {
		if n != FeatureCount {
			return fmt.Errorf("%w: %s has %d entries, want %d", ErrInvalidModel, name, n, FeatureCount)
		}
	}
	for j, s := range m.Std {
		if !(s >= StdFloor) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: std[%d] = %g", ErrInvalidModel, j, s)
		}
	}
	for j := range m.Weights {
		if !finite(m.Weights[j]) || !finite(m.Mean[j]) {
			return fmt.Errorf("%w: non-finite coefficient at %d", ErrInvalidModel, j)
		}
	}
	if !finite(m.Bias) {
		return fmt.Errorf("%w: non-finite bias", ErrInvalidModel)
	}
	return nil
}

// HourlyProfileModel is a weekly baseline: one mean per (day-of-week, hour)
// bucket, Monday first.
type HourlyProfileModel struct {
	Type            Kind      `json:"type"`
	Version         int       `json:"version"`
	TrainedAt       time.Time `json:"trained_at"`
	IntervalMinutes int       `json:"interval_minutes"`
	Buckets         []float64 `json:"buckets_168"`
	GlobalMean      float64   `json:"global_mean"`
	Samples         int       `json:"samples,omitempty"`
	Metrics         *Metrics  `json:"metrics,omitempty"`
}

func (*HourlyProfileModel) artifact()            {}
func (*HourlyProfileModel) Kind() Kind           { return KindHourlyProfile }
func (m *HourlyProfileModel) Trained() time.Time { return m.TrainedAt }
func (m *HourlyProfileModel) Quality() *Metrics  { return m.Metrics }

func (m *HourlyProfileModel) Validate() error {
	if m.Type != KindHourlyProfile {
		return fmt.Errorf("%w: type %q on hourly profile model", ErrInvalidModel, m.Type)
	}
	if len(m.Buckets) != BucketCount {
		return fmt.Errorf("%w: %d buckets, want %d", ErrInvalidModel, len(m.Buckets), BucketCount)
	}
	for i, v := range m.Buckets {
		if !finite(v) {
			return fmt.Errorf("%w: bucket %d = %g", ErrInvalidModel, i, v)
		}
	}
	if !finite(m.GlobalMean) {
		return fmt.Errorf("%w: non-finite global mean", ErrInvalidModel)
	}
	return nil
}

// Encode serializes an artifact as indented JSON.
func Encode(a Artifact) ([]byte, error) {
	switch a.(type) {
	case *RidgeModel, *HourlyProfileModel:
		return json.MarshalIndent(a, "", "  ")
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownModelType, a)
	}
}

// Decode parses an artifact, dispatching on its "type" tag, and validates it.
func Decode(data []byte) (Artifact, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	var a Artifact
	switch head.Type {
	case KindRidge:
		a = &RidgeModel{}
	case KindHourlyProfile:
		a = &HourlyProfileModel{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelType, head.Type)
	}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
