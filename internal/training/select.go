package training

import (
	"math"

	"github.com/kynex/loadforecast/internal/model"
)

// Select picks the model to promote. The hourly profile wins only when its
// MAE is strictly lower than the ridge MAE; a missing metric counts as +Inf.
func Select(ridge *model.RidgeModel, hourly *model.HourlyProfileModel) model.Artifact {
	switch {
	case ridge == nil && hourly == nil:
		return nil
	case ridge == nil:
		return hourly
	case hourly == nil:
		return ridge
	}
	if mae(hourly.Metrics) < mae(ridge.Metrics) {
		return hourly
	}
	return ridge
}

func mae(m *model.Metrics) float64 {
	if m == nil || math.IsNaN(m.MAE) {
		return math.Inf(1)
	}
	return m.MAE
}
