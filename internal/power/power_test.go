package power

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynex/loadforecast/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestIdealKVA(t *testing.T) {
	tests := []struct {
		name    string
		segment string
		stats   Stats
		want    float64
	}{
		// 5 kW / 0.85 * 1.08 = 6.35
		{"residential peak bound", model.SegmentResidential, Stats{PeakWatts: 5000, AvgWatts: 500}, 6.4},
		// 12 kW / 0.85 * 1.10 = 15.53
		{"sme peak bound", model.SegmentSME, Stats{PeakWatts: 12000, AvgWatts: 3000}, 15.6},
		// 8 kW * 2.2 * 1.15 = 20.24 beats 10 kW / 0.85 * 1.15 = 13.5
		{"industrial mean bound", model.SegmentIndustrial, Stats{PeakWatts: 10000, AvgWatts: 8000}, 20.3},
		{"no telemetry", model.SegmentResidential, Stats{}, 1.1},
		{"capped", model.SegmentIndustrial, Stats{PeakWatts: 90000, AvgWatts: 40000}, MaxKVA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IdealKVA(tt.segment, tt.stats), 1e-9)
		})
	}
}

func TestDiscretize(t *testing.T) {
	assert.Equal(t, MinKVA, Discretize(0.2))
	assert.Equal(t, MinKVA, Discretize(-4))
	assert.Equal(t, MinKVA, Discretize(math.NaN()))
	assert.InDelta(t, 3.5, Discretize(3.41), 1e-9)
	assert.Equal(t, MaxKVA, Discretize(75))
}

func TestFeaturesDefaults(t *testing.T) {
	p := model.CustomerProfile{ID: "c", Segment: model.SegmentSME, ContractedPowerKVA: 13.8}
	got := Features(p, Stats{PeakWatts: 9000, AvgWatts: 2500})

	require.Len(t, got, len(FeatureNames()))
	assert.Equal(t, []float64{13.8, 9000, 2500, 80, 2, 0, 0, 0, 1, 0}, got)

	p.HomeAreaM2 = ptr(120.0)
	p.HouseholdSize = ptr(4)
	p.HasSolar = ptr(true)
	p.EVCount = ptr(2)
	p.Segment = model.SegmentResidential
	assert.Equal(t, []float64{13.8, 9000, 2500, 120, 4, 1, 2, 1, 0, 0}, Features(p, Stats{PeakWatts: 9000, AvgWatts: 2500}))
}

// fleet returns n customers whose peak load dominates the ideal contract.
func fleet(n int, seed uint64) []Sample {
	rng := rand.New(rand.NewPCG(seed, 0))
	segments := []string{model.SegmentResidential, model.SegmentSME, model.SegmentIndustrial}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Sample, n)
	for i := range out {
		peak := 1000 + rng.Float64()*39000
		out[i] = Sample{
			Profile: model.CustomerProfile{
				ID:                 fmt.Sprintf("C_%02d", i),
				Segment:            segments[i%len(segments)],
				ContractedPowerKVA: []float64{3.45, 6.9, 13.8, 20.7, 41.4}[rng.IntN(5)],
				HomeAreaM2:         ptr(50 + rng.Float64()*150),
				HouseholdSize:      ptr(1 + rng.IntN(5)),
				HasSolar:           ptr(rng.IntN(3) == 0),
				EVCount:            ptr(rng.IntN(3)),
			},
			Stats:         Stats{PeakWatts: peak, AvgWatts: peak * (0.15 + 0.1*rng.Float64())},
			LastTelemetry: base,
		}
	}
	return out
}

func TestTrainFitsIdealContract(t *testing.T) {
	now := time.Date(2026, 3, 16, 9, 30, 0, 0, time.FixedZone("WET", 0))
	m, err := Train(fleet(60, 7), DefaultL2, now)
	require.NoError(t, err)

	assert.Equal(t, 60, m.Customers)
	assert.Equal(t, FeatureNames(), m.FeatureNames)
	assert.True(t, m.TrainedAt.Equal(now))
	assert.Equal(t, time.UTC, m.TrainedAt.Location())
	assert.Greater(t, m.Metrics.R2, 0.95)
	require.NoError(t, m.Validate())

	recs := m.RecommendAll(fleet(10, 99))
	require.Len(t, recs, 10)
	for _, r := range recs {
		assert.GreaterOrEqual(t, r.RecommendedKVA, MinKVA)
		assert.LessOrEqual(t, r.RecommendedKVA, MaxKVA)
		// The grid is 0.1 kVA.
		assert.InDelta(t, math.Round(r.RecommendedKVA*10), r.RecommendedKVA*10, 1e-6)
		assert.InDelta(t, r.IdealKVA, r.RecommendedKVA, 0.25*r.IdealKVA+1, r.CustomerID)
		assert.InDelta(t, r.RecommendedKVA-r.CurrentKVA, r.Delta(), 1e-12)
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	a, err := Train(fleet(20, 3), 2, now)
	require.NoError(t, err)
	b, err := Train(fleet(20, 3), 2, now)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTrainNeedsTenCustomers(t *testing.T) {
	_, err := Train(fleet(MinCustomers-1, 1), DefaultL2, time.Now())
	assert.ErrorIs(t, err, ErrTooFewCustomers)

	_, err = Train(fleet(MinCustomers, 1), DefaultL2, time.Now())
	assert.NoError(t, err)
}

func TestEncodeDecode(t *testing.T) {
	m, err := Train(fleet(15, 5), DefaultL2, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"feature_names"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeRejectsUnusableModels(t *testing.T) {
	_, err := Decode([]byte(`{"version":`))
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = Decode([]byte(`{"version":2}`))
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = Decode([]byte(`{"version":1,"weights":[1,2],"mean":[0,0],"std":[1,1]}`))
	assert.ErrorIs(t, err, ErrInvalidModel)

	m, err := Train(fleet(12, 2), DefaultL2, time.Now())
	require.NoError(t, err)
	m.Std[3] = 0
	_, err = Encode(m)
	assert.ErrorIs(t, err, ErrInvalidModel)
}

type fakeSource struct {
	profiles []model.CustomerProfile
	latest   map[string]time.Time
	stats    map[string]Stats
	windows  map[string][2]time.Time
	err      error
}

func (f *fakeSource) ListProfiles(context.Context) ([]model.CustomerProfile, error) {
	return f.profiles, f.err
}

func (f *fakeSource) LatestTimestampFor(_ context.Context, id string) (*time.Time, error) {
	ts, ok := f.latest[id]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (f *fakeSource) WattStats(_ context.Context, id string, since, until time.Time) (float64, float64, error) {
	f.windows[id] = [2]time.Time{since, until}
	s := f.stats[id]
	return s.PeakWatts, s.AvgWatts, nil
}

func TestCollect(t *testing.T) {
	last := time.Date(2026, 3, 16, 11, 45, 0, 0, time.UTC)
	src := &fakeSource{
		profiles: []model.CustomerProfile{{ID: "quiet"}, {ID: "live"}, {ID: "stopped"}},
		latest: map[string]time.Time{
			"live":    last,
			"stopped": last.AddDate(0, 0, -10),
		},
		stats: map[string]Stats{
			"live":    {PeakWatts: 4200, AvgWatts: 610},
			"stopped": {PeakWatts: 900, AvgWatts: 120},
		},
		windows: map[string][2]time.Time{},
	}

	got, err := Collect(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "live", got[0].Profile.ID)
	assert.Equal(t, Stats{PeakWatts: 4200, AvgWatts: 610}, got[0].Stats)
	assert.Equal(t, "stopped", got[1].Profile.ID)
	assert.True(t, got[1].LastTelemetry.Equal(last.AddDate(0, 0, -10)))

	w := src.windows["stopped"]
	assert.True(t, w[1].Equal(last.AddDate(0, 0, -10)))
	assert.Equal(t, StatsWindow, w[1].Sub(w[0]))
	_, queried := src.windows["quiet"]
	assert.False(t, queried)
}

func TestCollectPropagatesErrors(t *testing.T) {
	boom := errors.New("disk gone")
	_, err := Collect(context.Background(), &fakeSource{err: boom})
	assert.ErrorIs(t, err, boom)
}
