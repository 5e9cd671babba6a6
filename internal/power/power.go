// Package power recommends a contracted power (kVA) for each customer from
// the peak and mean load of its last 30 days of telemetry.
//
// The recommender is a ridge regression over ten customer features, fitted
// against a rule-based ideal contract (IdealKVA).
package power

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kynex/loadforecast/internal/model"
)

const (
	// StatsWindow is how far back from a customer's newest sample the peak
	// and mean are taken.
	StatsWindow = 30 * 24 * time.Hour
	// MinCustomers is the smallest training set Train accepts.
	MinCustomers = 10
	// DefaultL2 is the ridge penalty used when none is configured.
	DefaultL2 = 1.0

	MinKVA = 1.0
	MaxKVA = 60.0

	modelVersion = 1
	powerFactor  = 0.85
	avgHeadroom  = 2.2
)

// Profile fields that are optional on a customer fall back to these.
const (
	defaultHomeAreaM2    = 80.0
	defaultHouseholdSize = 2
)

var (
	// ErrTooFewCustomers is returned when fewer than MinCustomers have telemetry.
	ErrTooFewCustomers = errors.New("not enough customers with telemetry")
	// ErrInvalidModel is returned when a decoded power model cannot predict.
	ErrInvalidModel = errors.New("invalid power model")
)

var featureNames = []string{
	"contracted_power_kva",
	"peak_watts_30d",
	"avg_watts_30d",
	"home_area_m2",
	"household_size",
	"has_solar",
	"ev_count",
	"segment_residential",
	"segment_sme",
	"segment_industrial",
}

// FeatureNames returns the feature order used by Features.
func FeatureNames() []string {
	return append([]string(nil), featureNames...)
}

// Stats is the load summary of one customer over StatsWindow.
type Stats struct {
	PeakWatts float64 `json:"peak_watts"`
	AvgWatts  float64 `json:"avg_watts"`
}

// Features builds the recommender input for one customer.
func Features(p model.CustomerProfile, s Stats) []float64 {
	area := defaultHomeAreaM2
	if p.HomeAreaM2 != nil {
		area = *p.HomeAreaM2
	}
	household := defaultHouseholdSize
	if p.HouseholdSize != nil {
		household = *p.HouseholdSize
	}
	var evs int
	if p.EVCount != nil {
		evs = *p.EVCount
	}
	return []float64{
		p.ContractedPowerKVA,
		s.PeakWatts,
		s.AvgWatts,
		area,
		float64(household),
		indicator(p.HasSolar != nil && *p.HasSolar),
		float64(evs),
		indicator(p.Segment == model.SegmentResidential),
		indicator(p.Segment == model.SegmentSME),
		indicator(p.Segment == model.SegmentIndustrial),
	}
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func segmentMargin(segment string) float64 {
	switch segment {
	case model.SegmentIndustrial:
		return 0.15
	case model.SegmentSME:
		return 0.10
	default:
		return 0.08
	}
}

// IdealKVA is the training target: the larger of the peak load at a 0.85
// power factor and 2.2 times the mean load, plus a per-segment margin.
// A zero peak or mean counts as 1 kVA.
func IdealKVA(segment string, s Stats) float64 {
	peak, avg := 1.0, 1.0
	if s.PeakWatts > 0 {
		peak = s.PeakWatts / 1000 / powerFactor
	}
	if s.AvgWatts > 0 {
		avg = s.AvgWatts / 1000 * avgHeadroom
	}
	return Discretize(math.Max(peak, avg) * (1 + segmentMargin(segment)))
}

// Discretize rounds kva up to the next 0.1 step and clamps it to
// [MinKVA, MaxKVA].
func Discretize(kva float64) float64 {
	if math.IsNaN(kva) {
		return MinKVA
	}
	return math.Min(MaxKVA, math.Max(MinKVA, math.Ceil(kva*10)/10))
}

// Model is a fitted recommender as persisted on disk.
type Model struct {
	Version      int           `json:"version"`
	TrainedAt    time.Time     `json:"trained_at"`
	L2           float64       `json:"l2"`
	FeatureNames []string      `json:"feature_names"`
	Mean         []float64     `json:"mean"`
	Std          []float64     `json:"std"`
	Weights      []float64     `json:"weights"`
	Bias         float64       `json:"bias"`
	Customers    int           `json:"customers"`
	Metrics      model.Metrics `json:"metrics"`
}

// Validate checks that the model can score a Features vector.
func (m *Model) Validate() error {
	d := len(featureNames)
	if len(m.Weights) != d || len(m.Mean) != d || len(m.Std) != d {
		return fmt.Errorf("%w: want %d weights, mean and std entries, got %d/%d/%d",
			ErrInvalidModel, d, len(m.Weights), len(m.Mean), len(m.Std))
	}
	if math.IsNaN(m.Bias) || math.IsInf(m.Bias, 0) {
		return fmt.Errorf("%w: bias is %g", ErrInvalidModel, m.Bias)
	}
	for j := range m.Weights {
		if math.IsNaN(m.Weights[j]) || math.IsInf(m.Weights[j], 0) || math.IsNaN(m.Mean[j]) || !(m.Std[j] > 0) {
			return fmt.Errorf("%w: %s has weight %g, mean %g, std %g",
				ErrInvalidModel, featureNames[j], m.Weights[j], m.Mean[j], m.Std[j])
		}
	}
	return nil
}

// Predict returns the raw model output in kVA.
func (m *Model) Predict(x []float64) float64 {
	y := m.Bias
	for j, w := range m.Weights {
		y += w * (x[j] - m.Mean[j]) / m.Std[j]
	}
	return y
}

// Recommend returns the contract to offer, on the same 0.1 kVA grid as
// IdealKVA.
func (m *Model) Recommend(p model.CustomerProfile, s Stats) float64 {
	return Discretize(m.Predict(Features(p, s)))
}

// Encode serializes a model as indented JSON.
func Encode(m *Model) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(m, "", "  ")
}

// Decode parses and validates a persisted model.
func Decode(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if m.Version != modelVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidModel, m.Version)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
