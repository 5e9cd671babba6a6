// Package modelstore persists trained forecasting models on disk.
//
// Layout under the models directory:
//
//	current.json                        the artifact being served
//	versions/<type>_<trained_at>.json   one immutable copy per successful retrain
//	retrain_meta.json                   metadata of the last successful retrain
//	power_model.json                    the contracted power recommender
//
// Every file is written to a temporary sibling and renamed into place, so a
// reader never observes a partial write. A save that fails part way restores
// the previous current.json and removes the version it added.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kynex/loadforecast/internal/model"
	"github.com/kynex/loadforecast/internal/power"
)

var (
	// ErrPersistence wraps any failure to write an artifact or metadata file.
	ErrPersistence = errors.New("model persistence failed")
	// ErrNoModel is returned by Load when nothing has been promoted yet.
	ErrNoModel = errors.New("no model has been trained yet")
)

const (
	currentFile  = "current.json"
	metadataFile = "retrain_meta.json"
	versionsDir  = "versions"
	previousFile = ".current.prev"
	powerFile    = "power_model.json"
)

// Version is one entry of the immutable version log.
type Version struct {
	Name    string
	Path    string
	Kind    model.Kind
	ModTime time.Time
}

// Store reads and writes artifacts under a single directory.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New returns a store rooted at <dataDir>/models. Directories are created on
// first write.
func New(dataDir string) *Store {
	return &Store{
		dir:    filepath.Join(dataDir, "models"),
		logger: slog.Default(),
	}
}

// Dir returns the models directory.
func (s *Store) Dir() string { return s.dir }

// CurrentPath returns the path of the promoted artifact.
func (s *Store) CurrentPath() string { return filepath.Join(s.dir, currentFile) }

// MetadataPath returns the path of the retrain metadata document.
func (s *Store) MetadataPath() string { return filepath.Join(s.dir, metadataFile) }

// PowerPath returns the path of the power recommender.
func (s *Store) PowerPath() string { return filepath.Join(s.dir, powerFile) }

// VersionName returns the file name of the immutable copy of a.
func VersionName(a model.Artifact) string {
	ts := a.Trained().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return fmt.Sprintf("%s_%s.json", a.Kind(), ts)
}

// Save validates and probes a, appends it to the version log, promotes it to
// current and finally replaces the metadata. It returns the current path.
// On error the previously promoted model and metadata stay in place.
func (s *Store) Save(ctx context.Context, a model.Artifact, meta model.RetrainMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a == nil {
		return "", fmt.Errorf("%w: nil artifact", ErrPersistence)
	}
	if err := a.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if _, err := Probe(a); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	data, err := model.Encode(a)
	if err != nil {
		return "", fmt.Errorf("%w: encoding artifact: %w", ErrPersistence, err)
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding metadata: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage both files before anything becomes visible.
	curTmp, err := writeTemp(s.dir, data)
	if err != nil {
		return "", fmt.Errorf("%w: staging current model: %w", ErrPersistence, err)
	}
	defer os.Remove(curTmp)
	metaTmp, err := writeTemp(s.dir, metaData)
	if err != nil {
		return "", fmt.Errorf("%w: staging metadata: %w", ErrPersistence, err)
	}
	defer os.Remove(metaTmp)

	vdir := filepath.Join(s.dir, versionsDir)
	if err := os.MkdirAll(vdir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrPersistence, vdir, err)
	}
	versionPath := filepath.Join(vdir, VersionName(a))
	if err := writeExclusive(versionPath, data); err != nil {
		return "", fmt.Errorf("%w: writing version: %w", ErrPersistence, err)
	}

	// Keep a second name for the served model so it can be restored if the
	// metadata cannot be published.
	prev := filepath.Join(s.dir, previousFile)
	os.Remove(prev)
	hadPrev := true
	if err := os.Link(s.CurrentPath(), prev); errors.Is(err, fs.ErrNotExist) {
		hadPrev = false
	} else if err != nil {
		os.Remove(versionPath)
		return "", fmt.Errorf("%w: keeping previous model: %w", ErrPersistence, err)
	}
	defer os.Remove(prev)

	if err := os.Rename(curTmp, s.CurrentPath()); err != nil {
		os.Remove(versionPath)
		return "", fmt.Errorf("%w: writing current model: %w", ErrPersistence, err)
	}
	if err := os.Rename(metaTmp, s.MetadataPath()); err != nil {
		s.rollback(hadPrev, prev, versionPath)
		return "", fmt.Errorf("%w: writing metadata: %w", ErrPersistence, err)
	}

	s.logger.Info("model promoted", "model_type", a.Kind(), "version", filepath.Base(versionPath))
	return s.CurrentPath(), nil
}

// Load decodes and probes the current artifact.
func (s *Store) Load() (model.Artifact, error) {
	data, err := os.ReadFile(s.CurrentPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoModel
	}
	if err != nil {
		return nil, fmt.Errorf("reading current model: %w", err)
	}
	a, err := model.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding current model: %w", err)
	}
	if _, err := Probe(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Metadata returns the last retrain metadata. The bool is false when no
// retrain has succeeded yet.
func (s *Store) Metadata() (model.RetrainMetadata, bool, error) {
	data, err := os.ReadFile(s.MetadataPath())
	if errors.Is(err, fs.ErrNotExist) {
		return model.RetrainMetadata{}, false, nil
	}
	if err != nil {
		return model.RetrainMetadata{}, false, fmt.Errorf("reading retrain metadata: %w", err)
	}
	var meta model.RetrainMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.RetrainMetadata{}, false, fmt.Errorf("decoding retrain metadata: %w", err)
	}
	return meta, true, nil
}

// SavePower replaces the power recommender and returns its path. The
// recommender is not versioned: it is refit from scratch on every run.
func (s *Store) SavePower(m *power.Model) (string, error) {
	data, err := power.Encode(m)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := writeTemp(s.dir, data)
	if err != nil {
		return "", fmt.Errorf("%w: staging power model: %w", ErrPersistence, err)
	}
	if err := os.Rename(tmp, s.PowerPath()); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: writing power model: %w", ErrPersistence, err)
	}
	return s.PowerPath(), nil
}

// LoadPower reads the power recommender, ErrNoModel if none was trained.
func (s *Store) LoadPower() (*power.Model, error) {
	data, err := os.ReadFile(s.PowerPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoModel
	}
	if err != nil {
		return nil, fmt.Errorf("reading power model: %w", err)
	}
	return power.Decode(data)
}

// Versions lists the version log, oldest first.
func (s *Store) Versions() ([]Version, error) {
	vdir := filepath.Join(s.dir, versionsDir)
	entries, err := os.ReadDir(vdir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	var out []Version
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind, _ := splitVersionName(name)
		out = append(out, Version{
			Name:    name,
			Path:    filepath.Join(vdir, name),
			Kind:    kind,
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		_, a := splitVersionName(out[i].Name)
		_, b := splitVersionName(out[j].Name)
		return a < b
	})
	return out, nil
}

// splitVersionName separates the kind prefix from the timestamp so the log
// sorts by trained_at across kinds.
func splitVersionName(name string) (model.Kind, string) {
	for _, k := range []model.Kind{model.KindHourlyProfile, model.KindRidge} {
		if rest, ok := strings.CutPrefix(name, string(k)+"_"); ok {
			return k, rest
		}
	}
	return "", name
}

// rollback puts the previously served model back and drops the version that
// was published for the failed save.
func (s *Store) rollback(hadPrev bool, prev, versionPath string) {
	var err error
	if hadPrev {
		err = os.Rename(prev, s.CurrentPath())
	} else {
		err = os.Remove(s.CurrentPath())
	}
	if err != nil {
		s.logger.Error("restoring previous model", "error", err)
	}
	if err := os.Remove(versionPath); err != nil {
		s.logger.Warn("removing unpublished version", "path", versionPath, "error", err)
	}
}

// writeExclusive publishes data at path only if nothing is there yet.
func writeExclusive(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		return err
	}
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
