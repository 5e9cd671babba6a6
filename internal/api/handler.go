// Package api serves the operational HTTP surface of the retrain service:
// model health, retrain status, a manual trigger and prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/modelstore"
	"github.com/kynex/loadforecast/internal/scheduler"
)

// ModelLoader loads and probes the current artifact.
type ModelLoader interface {
	Load() (model.Artifact, error)
}

// Retrainer is the part of the scheduler the API drives.
type Retrainer interface {
	LastResult() *scheduler.Result
	Running() bool
	Trigger() bool
}

// Deps holds the handler dependencies. Metrics may be nil, in which case
// /metrics is not mounted. An empty APIToken leaves POST /retrain open.
type Deps struct {
	Models    ModelLoader
	Retrainer Retrainer
	Metrics   http.Handler
	APIToken  string
}

type healthResponse struct {
	Status     string     `json:"status"`
	ModelType  model.Kind `json:"model_type,omitempty"`
	TrainedAt  *time.Time `json:"trained_at,omitempty"`
	ProbeWatts *float64   `json:"probe_watts,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type statusResponse struct {
	Running bool              `json:"running"`
	Last    *scheduler.Result `json:"last"`
}

// NewHandler returns the operational router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps.Models))
	r.Get("/retrain/status", handleRetrainStatus(deps.Retrainer))
	r.Group(func(r chi.Router) {
		r.Use(RequireToken(deps.APIToken))
		r.Post("/retrain", handleRetrain(deps.Retrainer))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	return r
}

func handleHealth(models ModelLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := models.Load()
		switch {
		case errors.Is(err, modelstore.ErrNoModel):
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "no_model"})
			return
		case err != nil:
			slog.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Error: err.Error()})
			return
		}

		// Load already probed the artifact; this only reports the value.
		watts, err := modelstore.Probe(a)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Error: err.Error()})
			return
		}
		trained := a.Trained()
		writeJSON(w, http.StatusOK, healthResponse{
			Status:     "ok",
			ModelType:  a.Kind(),
			TrainedAt:  &trained,
			ProbeWatts: &watts,
		})
	}
}

func handleRetrainStatus(rt Retrainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Running: rt.Running(), Last: rt.LastResult()})
	}
}

func handleRetrain(rt Retrainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rt.Trigger() {
			httpError(w, http.StatusConflict, "conflict_error", "a retrain is already running")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
