package modelstore

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kynex/loadforecast/internal/features"
	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/power"
)

func testRidge(trainedAt time.Time, bias float64) *model.RidgeModel {
	mean := make([]float64, model.FeatureCount)
	std := make([]float64, model.FeatureCount)
	weights := make([]float64, model.FeatureCount)
	for j := range std {
		std[j] = 1
	}
	weights[0] = 0.5
	return &model.RidgeModel{
		Type:            model.KindRidge,
		Version:         model.SchemaVersion,
		TrainedAt:       trainedAt,
		IntervalMinutes: model.IntervalMinutes,
		L2:              1,
		FeatureNames:    features.Names(),
		Mean:            mean,
		Std:             std,
		Weights:         weights,
		Bias:            bias,
		Samples:         1343,
		Metrics:         &model.Metrics{MAE: 41.2, RMSE: 55.03, R2: 0.81},
	}
}

func testHourly(trainedAt time.Time) *model.HourlyProfileModel {
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
		Samples:         1343,
		Metrics:         &model.Metrics{MAE: 60, RMSE: 70, R2: 0.5},
	}
}

func metaFor(a model.Artifact) model.RetrainMetadata {
	last := a.Trained().Add(-time.Minute)
	return model.RetrainMetadata{
		TrainedAt:       a.Trained(),
		LastTelemetryTS: &last,
		ModelType:       a.Kind(),
		Samples:         1343,
		Metrics:         a.Quality(),
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := New(t.TempDir())
	at := time.Date(2026, 3, 16, 12, 30, 0, 123e6, time.UTC)
	m := testRidge(at, 420)

	path, err := s.Save(context.Background(), m, metaFor(m))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != s.CurrentPath() {
		t.Errorf("path = %q, want %q", path, s.CurrentPath())
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, ok := got.(*model.RidgeModel)
	if !ok {
		t.Fatalf("Load returned %T, want *model.RidgeModel", got)
	}
	if r.Bias != 420 || !r.TrainedAt.Equal(at) {
		t.Errorf("loaded bias=%v trained_at=%v", r.Bias, r.TrainedAt)
	}

	meta, ok, err := s.Metadata()
	if err != nil || !ok {
		t.Fatalf("Metadata: ok=%v err=%v", ok, err)
	}
	if meta.ModelType != model.KindRidge || meta.Samples != 1343 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.LastTelemetryTS == nil || !meta.LastTelemetryTS.Equal(at.Add(-time.Minute)) {
		t.Errorf("last_telemetry_ts = %v", meta.LastTelemetryTS)
	}
}

func TestVersionName(t *testing.T) {
	at := time.Date(2026, 3, 16, 12, 30, 5, 250e6, time.UTC)
	if got, want := VersionName(testRidge(at, 1)), "ridge_2026-03-16T12-30-05-250Z.json"; got != want {
		t.Errorf("VersionName = %q, want %q", got, want)
	}
	if got, want := VersionName(testHourly(at)), "hourly_profile_2026-03-16T12-30-05-250Z.json"; got != want {
		t.Errorf("VersionName = %q, want %q", got, want)
	}
}

func TestVersionsAreAppendOnly(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	t1 := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(6 * time.Hour)

	first := testRidge(t1, 100)
	if _, err := s.Save(ctx, first, metaFor(first)); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	second := testHourly(t2)
	if _, err := s.Save(ctx, second, metaFor(second)); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	versions, err := s.Versions()
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
	if versions[0].Kind != model.KindRidge || versions[1].Kind != model.KindHourlyProfile {
		t.Errorf("versions out of order: %+v", versions)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Kind() != model.KindHourlyProfile {
		t.Errorf("current kind = %s, want hourly_profile", got.Kind())
	}

	// The same trained_at may not replace an existing version.
	again := testRidge(t1, 999)
	_, err = s.Save(ctx, again, metaFor(again))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Save duplicate version: err = %v, want ErrPersistence", err)
	}
	data, err := os.ReadFile(versions[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	old, err := model.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if old.(*model.RidgeModel).Bias != 100 {
		t.Error("existing version was overwritten")
	}
	if cur, _ := s.Load(); cur.Kind() != model.KindHourlyProfile {
		t.Error("current changed after a failed save")
	}
}

func TestSaveFailureLeavesCurrentUntouched(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	at := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	good := testRidge(at, 250)
	if _, err := s.Save(ctx, good, metaFor(good)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before, err := os.ReadFile(s.CurrentPath())
	if err != nil {
		t.Fatal(err)
	}
	metaBefore, err := os.ReadFile(s.MetadataPath())
	if err != nil {
		t.Fatal(err)
	}

	// Replace the versions directory with a plain file so the next write fails.
	vdir := filepath.Join(s.Dir(), "versions")
	if err := os.RemoveAll(vdir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vdir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	next := testRidge(at.Add(time.Hour), 999)
	if _, err := s.Save(ctx, next, metaFor(next)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Save: err = %v, want ErrPersistence", err)
	}

	after, _ := os.ReadFile(s.CurrentPath())
	if string(after) != string(before) {
		t.Error("current model changed after failed save")
	}
	metaAfter, _ := os.ReadFile(s.MetadataPath())
	if string(metaAfter) != string(metaBefore) {
		t.Error("metadata changed after failed save")
	}
}

func TestMetadataFailureRestoresCurrent(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	at := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	good := testRidge(at, 250)
	if _, err := s.Save(ctx, good, metaFor(good)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before, err := os.ReadFile(s.CurrentPath())
	if err != nil {
		t.Fatal(err)
	}

	// A non-empty directory cannot be replaced by a rename.
	if err := os.Remove(s.MetadataPath()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(s.MetadataPath(), "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	next := testHourly(at.Add(time.Hour))
	if _, err := s.Save(ctx, next, metaFor(next)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Save: err = %v, want ErrPersistence", err)
	}

	after, err := os.ReadFile(s.CurrentPath())
	if err != nil {
		t.Fatalf("current model missing after failed save: %v", err)
	}
	if string(after) != string(before) {
		t.Error("current model changed after failed metadata write")
	}
	versions, err := s.Versions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0].Kind != model.KindRidge {
		t.Errorf("versions = %+v, want only the first ridge", versions)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover staging file %s", e.Name())
		}
	}
	if a, err := s.Load(); err != nil || a.Kind() != model.KindRidge {
		t.Errorf("Load = %v, %v; want the ridge model", a, err)
	}
}

func TestFirstSaveMetadataFailureLeavesNoModel(t *testing.T) {
	s := New(t.TempDir())
	if err := os.MkdirAll(filepath.Join(s.MetadataPath(), "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	a := testRidge(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), 250)
	if _, err := s.Save(context.Background(), a, metaFor(a)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Save: err = %v, want ErrPersistence", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoModel) {
		t.Errorf("Load: err = %v, want ErrNoModel", err)
	}
	if versions, _ := s.Versions(); len(versions) != 0 {
		t.Errorf("versions = %d, want 0", len(versions))
	}
}

func testPower(trainedAt time.Time) *power.Model {
	d := len(power.FeatureNames())
	m := &power.Model{
		Version:      1,
		TrainedAt:    trainedAt,
		L2:           1,
		FeatureNames: power.FeatureNames(),
		Mean:         make([]float64, d),
		Std:          make([]float64, d),
		Weights:      make([]float64, d),
		Bias:         6.9,
		Customers:    25,
	}
	for j := range m.Std {
		m.Std[j] = 1
	}
	m.Weights[1] = 0.002
	return m
}

func TestSaveAndLoadPower(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.LoadPower(); !errors.Is(err, ErrNoModel) {
		t.Fatalf("LoadPower on empty store = %v, want ErrNoModel", err)
	}

	first := testPower(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	path, err := s.SavePower(first)
	if err != nil {
		t.Fatalf("SavePower: %v", err)
	}
	if path != s.PowerPath() {
		t.Errorf("path = %s, want %s", path, s.PowerPath())
	}

	second := testPower(time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC))
	second.Bias = 7.5
	if _, err := s.SavePower(second); err != nil {
		t.Fatalf("second SavePower: %v", err)
	}
	got, err := s.LoadPower()
	if err != nil {
		t.Fatalf("LoadPower: %v", err)
	}
	if got.Bias != 7.5 || !got.TrainedAt.Equal(second.TrainedAt) {
		t.Errorf("LoadPower = bias %g at %v, want the second save", got.Bias, got.TrainedAt)
	}

	// The recommender lives beside the forecast model, not in its version log.
	versions, err := s.Versions()
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("Versions = %d, want 0", len(versions))
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoModel) {
		t.Errorf("Load = %v, want ErrNoModel", err)
	}
}

func TestSavePowerRejectsInvalidModel(t *testing.T) {
	s := New(t.TempDir())
	bad := testPower(time.Now())
	bad.Weights = bad.Weights[:3]
	if _, err := s.SavePower(bad); !errors.Is(err, power.ErrInvalidModel) {
		t.Fatalf("SavePower = %v, want ErrInvalidModel", err)
	}
	if _, err := os.Stat(s.PowerPath()); !os.IsNotExist(err) {
		t.Errorf("power model written despite invalid input: %v", err)
	}
}

func TestSaveRejectsInvalidArtifact(t *testing.T) {
	s := New(t.TempDir())
	bad := testRidge(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), 1)
	bad.Weights = bad.Weights[:3]

	_, err := s.Save(context.Background(), bad, metaFor(bad))
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, model.ErrInvalidModel) {
		t.Fatalf("err = %v, want ErrPersistence wrapping ErrInvalidModel", err)
	}
	if _, err := os.Stat(s.CurrentPath()); !os.IsNotExist(err) {
		t.Error("current.json written for an invalid model")
	}
}

func TestLoadWithoutModel(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Load(); !errors.Is(err, ErrNoModel) {
		t.Errorf("Load: err = %v, want ErrNoModel", err)
	}
	_, ok, err := s.Metadata()
	if err != nil || ok {
		t.Errorf("Metadata: ok=%v err=%v, want false, nil", ok, err)
	}
	versions, err := s.Versions()
	if err != nil || len(versions) != 0 {
		t.Errorf("Versions: %v, %v", versions, err)
	}
}

func TestLoadRejectsCorruptCurrent(t *testing.T) {
	s := New(t.TempDir())
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.CurrentPath(), []byte(`{"type":"gradient_boost"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, model.ErrUnknownModelType) {
		t.Errorf("Load: err = %v, want ErrUnknownModelType", err)
	}
}

func TestProbe(t *testing.T) {
	at := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)

	w, err := Probe(testRidge(at, 500))
	if err != nil {
		t.Fatalf("Probe ridge: %v", err)
	}
	if w < 0 || w > 6900 {
		t.Errorf("probe watts = %v, outside clamp range", w)
	}

	h := testHourly(at)
	w, err = Probe(h)
	if err != nil {
		t.Fatalf("Probe hourly: %v", err)
	}
	if want := h.Buckets[model.BucketIndex(probeTime)]; w != want {
		t.Errorf("probe watts = %v, want %v", w, want)
	}

	broken := testRidge(at, 1)
	broken.Bias = math.NaN()
	if _, err := Probe(broken); !errors.Is(err, ErrProbeFailed) {
		t.Errorf("Probe NaN bias: err = %v, want ErrProbeFailed", err)
	}

	if _, err := Probe(nil); !errors.Is(err, ErrProbeFailed) {
		t.Errorf("Probe nil: err = %v, want ErrProbeFailed", err)
	}
}

func TestSaveHonorsCancelledContext(t *testing.T) {
	s := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := testRidge(time.Now().UTC(), 1)
	if _, err := s.Save(ctx, m, metaFor(m)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
