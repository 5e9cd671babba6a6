package training

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/kynex/loadforecast/internal/linalg"
	"github.com/kynex/loadforecast/internal/model"
)

// DefaultL2Candidates is the penalty grid swept on every retrain.
var DefaultL2Candidates = []float64{0.5, 1, 2, 4, 8}

// stdFloor is the population std below which a column is treated as constant.
const stdFloor = 1e-9

// Standardization holds per-column z-score parameters.
type Standardization struct {
	Mean []float64
	Std  []float64
}

// Standardize computes population mean/std per column and returns the
// z-scored matrix. Columns with std below 1e-9 get std 1 and become all zeros.
func Standardize(x [][]float64) ([][]float64, Standardization) {
	n := len(x)
	if n == 0 {
		return nil, Standardization{}
	}
	d := len(x[0])

	mean := make([]float64, d)
	std := make([]float64, d)
	constant := make([]bool, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		for i, row := range x {
			col[i] = row[j]
		}
		mean[j], std[j] = stat.PopMeanStdDev(col, nil)
		// A single row yields NaN; treat it like a constant column.
		if !(std[j] >= stdFloor) {
			std[j] = 1
			constant[j] = true
		}
	}

	z := make([][]float64, n)
	for i, row := range x {
		zr := make([]float64, d)
		for j, v := range row {
			if constant[j] {
				continue
			}
			zr[j] = (v - mean[j]) / std[j]
		}
		z[i] = zr
	}
	return z, Standardization{Mean: mean, Std: std}
}

// gram is XᵀX and Xᵀy over standardized features and centred targets. It
// does not depend on the penalty, so it is built once per sweep.
type gram struct {
	xtx   [][]float64
	xty   []float64
	norm  Standardization
	yMean float64
}

func newGram(x [][]float64, y []float64) gram {
	z, norm := Standardize(x)
	d := len(norm.Mean)

	yMean := stat.Mean(y, nil)

	xtx := make([][]float64, d)
	for j := range xtx {
		xtx[j] = make([]float64, d)
	}
	xty := make([]float64, d)
	for i, row := range z {
		yc := y[i] - yMean
		for j, a := range row {
			if a == 0 {
				continue
			}
			xty[j] += a * yc
			for k := j; k < d; k++ {
				xtx[j][k] += a * row[k]
			}
		}
	}
	for j := 0; j < d; j++ {
		for k := 0; k < j; k++ {
			xtx[j][k] = xtx[k][j]
		}
	}
	return gram{xtx: xtx, xty: xty, norm: norm, yMean: yMean}
}

// RidgeFit is the solution for one penalty.
type RidgeFit struct {
	L2      float64
	Weights []float64
	Bias    float64
	Norm    Standardization
}

// Predict evaluates the fit on a raw (unstandardized) feature vector.
func (f RidgeFit) Predict(x []float64) float64 {
	y := f.Bias
	for j, w := range f.Weights {
		y += w * (x[j] - f.Norm.Mean[j]) / f.Norm.Std[j]
	}
	return y
}

func (g gram) solve(l2 float64) (RidgeFit, error) {
	d := len(g.xty)
	a := make([][]float64, d)
	for j := range a {
		a[j] = make([]float64, d)
		copy(a[j], g.xtx[j])
		a[j][j] += l2
	}
	inv, err := linalg.Invert(a)
	if err != nil {
		return RidgeFit{}, fmt.Errorf("l2=%g: %w", l2, err)
	}
	w := linalg.MulVec(inv, g.xty)
	for j, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return RidgeFit{}, fmt.Errorf("l2=%g: weight %d is %g: %w", l2, j, v, ErrNumericalFailure)
		}
	}
	return RidgeFit{L2: l2, Weights: w, Bias: g.yMean, Norm: g.norm}, nil
}

// FitRidge solves the ridge normal equations for a single penalty.
func FitRidge(x [][]float64, y []float64, l2 float64) (RidgeFit, error) {
	if len(x) == 0 || len(x) != len(y) {
		return RidgeFit{}, fmt.Errorf("%w: %d feature rows, %d targets", ErrDataInsufficiency, len(x), len(y))
	}
	return newGram(x, y).solve(l2)
}

// CandidateResult records how one penalty performed on the held-out rows.
type CandidateResult struct {
	L2      float64
	Fit     RidgeFit
	Metrics model.Metrics
	Err     error
}

// RidgeTrainer sweeps L2 candidates and keeps the one with the lowest
// held-out MAE.
type RidgeTrainer struct {
	Candidates []float64
	// Parallelism bounds concurrent candidate solves. Values <= 1 run the
	// sweep sequentially.
	Parallelism int
}

// Train fits every candidate on train and scores it on test. Candidates that
// fail numerically are skipped; ErrNoValidModel is returned when none is left.
func (t RidgeTrainer) Train(ctx context.Context, train, test []Row) (RidgeFit, model.Metrics, []CandidateResult, error) {
	if len(train) == 0 || len(test) == 0 {
		return RidgeFit{}, model.Metrics{}, nil, fmt.Errorf("%w: %d train rows, %d test rows", ErrDataInsufficiency, len(train), len(test))
	}
	candidates := t.Candidates
	if len(candidates) == 0 {
		candidates = DefaultL2Candidates
	}

	x, y := matrix(train)
	g := newGram(x, y)
	testX, testY := matrix(test)

	results := make([]CandidateResult, len(candidates))
	run := func(i int) {
		l2 := candidates[i]
		res := CandidateResult{L2: l2}
		fit, err := g.solve(l2)
		if err != nil {
			res.Err = err
			results[i] = res
			return
		}
		pred := make([]float64, len(testX))
		for k, row := range testX {
			pred[k] = fit.Predict(row)
		}
		m, err := Evaluate(testY, pred)
		if err != nil {
			res.Err = err
		}
		res.Fit, res.Metrics = fit, m
		results[i] = res
	}

	if t.Parallelism > 1 {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(t.Parallelism)
		for i := range candidates {
			eg.Go(func() error {
				if err := egCtx.Err(); err != nil {
					return err
				}
				run(i)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return RidgeFit{}, model.Metrics{}, nil, err
		}
	} else {
		for i := range candidates {
			if err := ctx.Err(); err != nil {
				return RidgeFit{}, model.Metrics{}, nil, err
			}
			run(i)
		}
	}

	best := -1
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		if best < 0 || r.Metrics.MAE < results[best].Metrics.MAE {
			best = i
		}
	}
	if best < 0 {
		return RidgeFit{}, model.Metrics{}, results, ErrNoValidModel
	}
	return results[best].Fit, results[best].Metrics, results, nil
}

func matrix(rows []Row) ([][]float64, []float64) {
	x := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = r.Features
		y[i] = r.Target
	}
	return x, y
}
