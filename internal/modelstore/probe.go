package modelstore

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kynex/loadforecast/internal/features"
	"github.com/kynex/loadforecast/internal/model"
)

// ErrProbeFailed means an artifact decoded but cannot produce a usable
// forecast.
var ErrProbeFailed = errors.New("model probe failed")

// probeTime is a Tuesday evening, a bucket every trained profile fills.
var probeTime = time.Date(2026, 1, 13, 19, 0, 0, 0, time.UTC)

func probeProfile() model.CustomerProfile {
	return model.CustomerProfile{
		ID:                 "probe",
		Segment:            model.SegmentResidential,
		City:               "Lisboa",
		ContractedPowerKVA: 6.9,
		Tariff:             model.TariffSimples,
	}
}

// Probe runs a prediction for a synthetic residential customer and checks the
// clamped result is finite. It returns the clamped watts.
func Probe(a model.Artifact) (float64, error) {
	if a == nil {
		return 0, fmt.Errorf("%w: no artifact", ErrProbeFailed)
	}
	p := probeProfile()
	x := features.Builder{}.Build(probeTime.Add(-15*time.Minute), p, 450, nil)

	watts, err := model.Predict(a, probeTime, x)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	watts = model.Clamp(watts, p)
	if math.IsNaN(watts) || math.IsInf(watts, 0) {
		return 0, fmt.Errorf("%w: %s prediction is %v", ErrProbeFailed, a.Kind(), watts)
	}
	return watts, nil
}
