package storage

import (
	"errors"
	"time"

	"github.com/kynex/loadforecast/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Customer is a customer row: the profile used for training plus display data.
type Customer struct {
	model.CustomerProfile
	Name      string
	CreatedAt time.Time
}

// CustomerLatest is the newest telemetry timestamp of one customer.
type CustomerLatest struct {
	CustomerID string
	Name       string
	Latest     *time.Time // nil when the customer has no telemetry
}

// RetrainRun is one row of the retrain history.
type RetrainRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string // "success", "failure", "skipped_recent", "skipped_no_new_data", "busy"
	Reason     string
	ModelType  string
	Samples    int
	Metrics    *model.Metrics
	Error      string
}
