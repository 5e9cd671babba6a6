package training

import (
	"errors"
	"fmt"

	"github.com/kynex/loadforecast/internal/linalg"
)

var (
	// ErrDataInsufficiency aborts a cycle when there is too little data to fit.
	ErrDataInsufficiency = errors.New("insufficient training data")

	// ErrNumericalFailure marks a single lambda candidate whose system could
	// not be solved. It never aborts a cycle on its own.
	ErrNumericalFailure = linalg.ErrSingular

	// ErrNoValidModel is returned when every lambda candidate failed.
	ErrNoValidModel = fmt.Errorf("%w: no lambda candidate produced a valid model", ErrDataInsufficiency)
)
