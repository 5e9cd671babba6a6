// Package linalg holds the dense inversion the ridge solver runs on its
// normal equations, with the fixed pivot threshold the trainers rely on to
// report a singular system.
package linalg

import (
	"errors"
	"fmt"
	"math"
)

// PivotThreshold is the smallest pivot magnitude accepted during elimination.
const PivotThreshold = 1e-12

// ErrSingular is returned when a matrix cannot be inverted.
var ErrSingular = errors.New("matrix is singular or ill-conditioned")

// Invert returns the inverse of the square matrix a using Gauss-Jordan
// elimination with partial pivoting. a is not modified.
//
// At each column the remaining row with the largest absolute value is swapped
// in; on equal magnitudes the lowest row index wins, so results are
// reproducible.
func Invert(a [][]float64) ([][]float64, error) {
	n := len(a)
	if n == 0 {
		return nil, fmt.Errorf("inverting empty matrix: %w", ErrSingular)
	}

	aug := make([][]float64, n)
	for i := range a {
		if len(a[i]) != n {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(a[i]), n)
		}
		row := make([]float64, 2*n)
		copy(row, a[i])
		row[n+i] = 1
		aug[i] = row
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		pv := aug[pivot][col]
		if !(math.Abs(pv) >= PivotThreshold) {
			return nil, fmt.Errorf("pivot %g at column %d: %w", pv, col, ErrSingular)
		}
		if pivot != col {
			aug[col], aug[pivot] = aug[pivot], aug[col]
		}

		inv := 1 / pv
		for j := range aug[col] {
			aug[col][j] *= inv
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if math.Abs(factor) < PivotThreshold {
				continue
			}
			for j := range aug[r] {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}

	out := make([][]float64, n)
	for i := range aug {
		out[i] = aug[i][n:]
	}
	return out, nil
}

// MulVec returns m·v.
func MulVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		var sum float64
		for j, x := range row {
			sum += x * v[j]
		}
		out[i] = sum
	}
	return out
}
