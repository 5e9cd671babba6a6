package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat"

	"github.com/kynex/loadforecast/internal/model"
)

// Evaluate computes MAE, RMSE and R² of pred against truth. MAE and RMSE are
// rounded to 2 decimals and R² to 3 so identical inputs always serialize the
// same way.
func Evaluate(truth, pred []float64) (model.Metrics, error) {
	n := len(truth)
	if n == 0 || n != len(pred) {
		return model.Metrics{}, fmt.Errorf("evaluating %d predictions against %d targets", len(pred), n)
	}

	resid := floats.SubTo(make([]float64, n), pred, truth)
	absSum := floats.Norm(resid, 1)
	sqSum := floats.Dot(resid, resid)

	centred := append([]float64(nil), truth...)
	floats.AddConst(-stat.Mean(truth, nil), centred)
	ssTot := floats.Dot(centred, centred)

	var r2 float64
	if ssTot > 1e-12 {
		r2 = 1 - sqSum/ssTot
	}

	return model.Metrics{
		MAE:  scalar.Round(absSum/float64(n), 2),
		RMSE: scalar.Round(math.Sqrt(sqSum/float64(n)), 2),
		R2:   scalar.Round(r2, 3),
	}, nil
}
