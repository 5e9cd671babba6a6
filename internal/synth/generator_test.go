package synth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynex/loadforecast/internal/model"
)

func TestCustomersDeterministic(t *testing.T) {
	a := New(42).Customers(10)
	b := New(42).Customers(10)
	require.Len(t, a, 10)
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].Segment, b[i].Segment)
		assert.Equal(t, a[i].ContractedPowerKVA, b[i].ContractedPowerKVA)
	}

	c := New(7).Customers(10)
	assert.NotEqual(t, a[0].ID, c[0].ID)
}

func TestCustomersHaveProfileFields(t *testing.T) {
	for _, c := range New(1).Customers(50) {
		assert.NotEmpty(t, c.ID)
		assert.NotEmpty(t, c.Name)
		assert.Contains(t, []string{model.SegmentResidential, model.SegmentSME, model.SegmentIndustrial}, c.Segment)
		assert.Greater(t, c.ContractedPowerKVA, 0.0)
		require.NotNil(t, c.HomeAreaM2)
		require.NotNil(t, c.HouseholdSize)
		require.NotNil(t, c.EVCount)
		if c.Segment != model.SegmentResidential {
			assert.Zero(t, *c.EVCount)
			assert.False(t, *c.HasSolar)
		}
	}
}

func TestTelemetryRespectsContractedPower(t *testing.T) {
	p := model.CustomerProfile{
		ID:                 "c1",
		Segment:            model.SegmentResidential,
		City:               "Lisboa",
		ContractedPowerKVA: 3.45,
		Tariff:             model.TariffSimples,
	}
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	samples := New(42).Telemetry(p, start, 96*7, nil)
	require.Len(t, samples, 96*7)

	for i, s := range samples {
		assert.Equal(t, "c1", s.CustomerID)
		assert.Equal(t, start.Add(time.Duration(i)*Interval), s.Timestamp)
		assert.GreaterOrEqual(t, s.Watts, 40.0)
		assert.LessOrEqual(t, s.Watts, 3450*0.92+1e-9)
		require.NotNil(t, s.TempC)
	}
}

func TestTelemetryHasDailyShape(t *testing.T) {
	p := model.CustomerProfile{ID: "c1", Segment: model.SegmentResidential, City: "Braga", ContractedPowerKVA: 10.35}
	start := time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)
	samples := New(3).Telemetry(p, start, 96*14, nil)

	var night, evening float64
	var nn, ne int
	for _, s := range samples {
		switch h := s.Timestamp.Hour(); {
		case h >= 2 && h < 5:
			night += s.Watts
			nn++
		case h >= 20 && h < 22:
			evening += s.Watts
			ne++
		}
	}
	assert.Greater(t, evening/float64(ne), night/float64(nn), "evening peak above night base")
}
