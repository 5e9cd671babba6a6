package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kynex/loadforecast/internal/model"
)

// DefaultDays is the training window length.
const DefaultDays = 14

// Config controls one training cycle.
type Config struct {
	Days         int
	MinSamples   int
	L2Candidates []float64
	TestFraction float64
	Parallelism  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Days:         DefaultDays,
		MinSamples:   DefaultMinSamples,
		L2Candidates: append([]float64(nil), DefaultL2Candidates...),
		TestFraction: DefaultTestFraction,
		Parallelism:  1,
	}
}

// ModelSaver persists the selected model and the retrain metadata, returning
// the path of the promoted artifact.
type ModelSaver interface {
	Save(ctx context.Context, selected model.Artifact, meta model.RetrainMetadata) (string, error)
}

// Outcome summarizes a successful cycle.
type Outcome struct {
	Selected        model.Artifact
	Ridge           *model.RidgeModel
	Hourly          *model.HourlyProfileModel
	Candidates      []CandidateResult
	Samples         int
	LastTelemetryTS *time.Time
	ModelPath       string
}

// Pipeline runs extraction, both trainers, evaluation, selection and
// persistence.
type Pipeline struct {
	cfg          Config
	telemetry    TelemetryReader
	profiles     ProfileReader
	features     FeatureBuilder
	featureNames []string
	saver        ModelSaver
	logger       *slog.Logger
}

// NewPipeline wires a pipeline. featureNames must match the builder's output.
func NewPipeline(cfg Config, telemetry TelemetryReader, profiles ProfileReader, features FeatureBuilder, featureNames []string, saver ModelSaver) *Pipeline {
	if cfg.Days <= 0 {
		cfg.Days = DefaultDays
	}
	return &Pipeline{
		cfg:          cfg,
		telemetry:    telemetry,
		profiles:     profiles,
		features:     features,
		featureNames: featureNames,
		saver:        saver,
		logger:       slog.Default(),
	}
}

// Run trains on [now - Days, now] and persists the winner. Nothing is
// written when any step fails.
func (p *Pipeline) Run(ctx context.Context, now time.Time) (Outcome, error) {
	now = now.UTC()
	since := now.AddDate(0, 0, -p.cfg.Days)

	profiles, err := p.profiles.ListProfiles(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing profiles: %w", err)
	}

	ex := Extractor{Features: p.features, MinSamples: p.cfg.MinSamples}
	extracted, err := ex.Extract(ctx, p.telemetry, profiles, since, now)
	if err != nil {
		return Outcome{}, err
	}
	rows := extracted.Rows
	train, test := TemporalSplit(rows, p.cfg.TestFraction)
	p.logger.Debug("extracted training rows",
		"rows", len(rows), "streamed", extracted.Streamed, "train", len(train), "test", len(test))

	rt := RidgeTrainer{Candidates: p.cfg.L2Candidates, Parallelism: p.cfg.Parallelism}
	fit, ridgeMetrics, candidates, err := rt.Train(ctx, train, test)
	if err != nil {
		return Outcome{}, fmt.Errorf("training ridge: %w", err)
	}
	for _, c := range candidates {
		if c.Err != nil {
			p.logger.Warn("lambda candidate discarded", "l2", c.L2, "error", c.Err)
		}
	}

	profile := FitHourlyProfile(train)
	truth := make([]float64, len(test))
	pred := make([]float64, len(test))
	for i, r := range test {
		truth[i] = r.Target
		pred[i] = profile.Predict(r)
	}
	hourlyMetrics, err := Evaluate(truth, pred)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluating hourly profile: %w", err)
	}

	ridge := &model.RidgeModel{
		Type:            model.KindRidge,
		Version:         model.SchemaVersion,
		TrainedAt:       now,
		IntervalMinutes: model.IntervalMinutes,
		L2:              fit.L2,
		L2Candidates:    candidateValues(candidates),
		FeatureNames:    append([]string(nil), p.featureNames...),
		Mean:            fit.Norm.Mean,
		Std:             fit.Norm.Std,
		Weights:         fit.Weights,
		Bias:            fit.Bias,
		Samples:         len(rows),
		Metrics:         &ridgeMetrics,
	}
	hourly := &model.HourlyProfileModel{
		Type:            model.KindHourlyProfile,
		Version:         model.SchemaVersion,
		TrainedAt:       now,
		IntervalMinutes: model.IntervalMinutes,
		Buckets:         profile.Buckets,
		GlobalMean:      profile.GlobalMean,
		Samples:         len(rows),
		Metrics:         &hourlyMetrics,
	}

	selected := Select(ridge, hourly)
	p.logger.Info("model selected",
		"model_type", selected.Kind(), "l2", fit.L2,
		"ridge_mae", ridgeMetrics.MAE, "hourly_mae", hourlyMetrics.MAE, "samples", len(rows))

	meta := model.RetrainMetadata{
		TrainedAt:       now,
		LastTelemetryTS: extracted.LastTelemetryTS,
		ModelType:       selected.Kind(),
		Samples:         len(rows),
		Metrics:         selected.Quality(),
	}
	path, err := p.saver.Save(ctx, selected, meta)
	if err != nil {
		return Outcome{}, fmt.Errorf("saving model: %w", err)
	}

	return Outcome{
		Selected:        selected,
		Ridge:           ridge,
		Hourly:          hourly,
		Candidates:      candidates,
		Samples:         len(rows),
		LastTelemetryTS: extracted.LastTelemetryTS,
		ModelPath:       path,
	}, nil
}

func candidateValues(cs []CandidateResult) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.L2
	}
	return out
}
