package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kynex/loadforecast/internal/metrics"
	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/modelstore"
	"github.com/kynex/loadforecast/internal/scheduler"
)

type fakeRetrainer struct {
	last     *scheduler.Result
	running  bool
	accept   bool
	triggers int
}

func (f *fakeRetrainer) LastResult() *scheduler.Result { return f.last }
func (f *fakeRetrainer) Running() bool                 { return f.running }
func (f *fakeRetrainer) Trigger() bool {
	f.triggers++
	return f.accept
}

type failingLoader struct{ err error }

func (l failingLoader) Load() (model.Artifact, error) { return nil, l.err }

func hourlyArtifact(trainedAt time.Time) *model.HourlyProfileModel {
	buckets := make([]float64, model.BucketCount)
	for i := range buckets {
		buckets[i] = 300 + float64(i)
	}
	return &model.HourlyProfileModel{
		Type:            model.KindHourlyProfile,
		Version:         model.SchemaVersion,
		TrainedAt:       trainedAt,
		IntervalMinutes: model.IntervalMinutes,
		Buckets:         buckets,
		GlobalMean:      383.5,
		Samples:         900,
		Metrics:         &model.Metrics{MAE: 60, RMSE: 70, R2: 0.5},
	}
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth_NoModel(t *testing.T) {
	store := modelstore.New(t.TempDir())
	h := NewHandler(Deps{Models: store, Retrainer: &fakeRetrainer{}})

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	var body healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "no_model" {
		t.Errorf("status = %q, want no_model", body.Status)
	}
}

func TestHealth_OK(t *testing.T) {
	store := modelstore.New(t.TempDir())
	trained := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	last := trained.Add(-time.Minute)
	a := hourlyArtifact(trained)
	meta := model.RetrainMetadata{TrainedAt: trained, LastTelemetryTS: &last, Samples: 900, ModelType: a.Kind(), Metrics: a.Metrics}
	if _, err := store.Save(context.Background(), a, meta); err != nil {
		t.Fatalf("save: %v", err)
	}
	h := NewHandler(Deps{Models: store, Retrainer: &fakeRetrainer{}})

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body)
	}
	var body healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.ModelType != model.KindHourlyProfile {
		t.Errorf("body = %+v", body)
	}
	if body.ProbeWatts == nil || *body.ProbeWatts <= 0 {
		t.Errorf("probe_watts = %v, want positive", body.ProbeWatts)
	}
	if body.TrainedAt == nil || !body.TrainedAt.Equal(trained) {
		t.Errorf("trained_at = %v, want %v", body.TrainedAt, trained)
	}
}

func TestHealth_CorruptModel(t *testing.T) {
	store := modelstore.New(t.TempDir())
	if err := os.MkdirAll(store.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.CurrentPath(), []byte(`{"type":"neural"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(Deps{Models: store, Retrainer: &fakeRetrainer{}})

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rr.Body.String(), "degraded") {
		t.Errorf("body = %s, want degraded", rr.Body)
	}
}

func TestHealth_LoaderError(t *testing.T) {
	h := NewHandler(Deps{Models: failingLoader{err: errors.New("disk gone")}, Retrainer: &fakeRetrainer{}})

	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rr.Body.String(), "disk gone") {
		t.Errorf("body = %s, want loader error", rr.Body)
	}
}

func TestRetrainStatus(t *testing.T) {
	trained := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	rt := &fakeRetrainer{
		running: true,
		last:    &scheduler.Result{OK: true, RunID: "run-1", TrainedAt: &trained, Samples: 1343, ModelType: model.KindRidge},
	}
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: rt})

	rr := do(t, h, http.MethodGet, "/retrain/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body struct {
		Running bool             `json:"running"`
		Last    scheduler.Result `json:"last"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Running {
		t.Error("running = false, want true")
	}
	if body.Last.RunID != "run-1" || body.Last.Samples != 1343 || body.Last.ModelType != model.KindRidge {
		t.Errorf("last = %+v", body.Last)
	}
}

func TestRetrainStatus_BeforeFirstRun(t *testing.T) {
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: &fakeRetrainer{}})

	rr := do(t, h, http.MethodGet, "/retrain/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"last":null`) {
		t.Errorf("body = %s, want null last", rr.Body)
	}
}

func TestRetrainTrigger(t *testing.T) {
	rt := &fakeRetrainer{accept: true}
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: rt})

	rr := do(t, h, http.MethodPost, "/retrain", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if rt.triggers != 1 {
		t.Errorf("triggers = %d, want 1", rt.triggers)
	}
}

func TestRetrainTrigger_Busy(t *testing.T) {
	rt := &fakeRetrainer{accept: false}
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: rt})

	rr := do(t, h, http.MethodPost, "/retrain", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
	var body map[string]map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"]["type"] != "conflict_error" {
		t.Errorf("error type = %q, want conflict_error", body["error"]["type"])
	}
}

func TestRetrainTrigger_RequiresToken(t *testing.T) {
	rt := &fakeRetrainer{accept: true}
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: rt, APIToken: "tok"})

	if rr := do(t, h, http.MethodPost, "/retrain", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if rt.triggers != 0 {
		t.Fatalf("triggers = %d, want 0", rt.triggers)
	}
	if rr := do(t, h, http.MethodPost, "/retrain", "tok"); rr.Code != http.StatusAccepted {
		t.Fatalf("status with token = %d, want %d", rr.Code, http.StatusAccepted)
	}
	// Read-only endpoints stay open.
	if rr := do(t, h, http.MethodGet, "/retrain/status", ""); rr.Code != http.StatusOK {
		t.Errorf("status endpoint = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(nil)
	m.ObserveRun(metrics.OutcomeSuccess)
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: &fakeRetrainer{}, Metrics: m.Handler()})

	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "loadforecast_retrain_runs_total") {
		t.Errorf("metrics body missing runs counter")
	}
}

func TestMetricsEndpoint_NotMounted(t *testing.T) {
	h := NewHandler(Deps{Models: failingLoader{}, Retrainer: &fakeRetrainer{}})
	if rr := do(t, h, http.MethodGet, "/metrics", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
