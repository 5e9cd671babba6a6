package model

import "time"

// RetrainMetadata describes the last successful retrain. It gates the next
// attempt.
type RetrainMetadata struct {
	TrainedAt       time.Time  `json:"trained_at"`
	LastTelemetryTS *time.Time `json:"last_telemetry_ts"`
	ModelType       Kind       `json:"model_type"`
	Samples         int        `json:"samples"`
	Metrics         *Metrics   `json:"metrics,omitempty"`
}
