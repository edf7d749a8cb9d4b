package modelstore

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/model"
)

const (
	modelExt        = ".model"
	weightsSuffix   = "_weights.gob"
	archSuffix      = "_architecture.json"
	CheckpointName  = "best_model_checkpoint"
	LatestModelName = "signature_model_latest"
)

// ErrModelNotFound is returned when no saved model exists under a name.
var ErrModelNotFound = errors.New("model not found")

// Paths lists the files written for one saved model.
type Paths struct {
	Model        string
	Weights      string
	Architecture string
}

// Info describes a saved model on disk.
type Info struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

type modelFile struct {
	Architecture model.Architecture
	Parameters   model.Parameters
	SavedAt      time.Time
	Epoch        int
}

// Store reads and writes models under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger.Named("modelstore")}, nil
}

// Dir is the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// PathsFor returns the file locations for name.
func (s *Store) PathsFor(name string) Paths {
	base := filepath.Join(s.dir, name)
	return Paths{
		Model:        base + modelExt,
		Weights:      base + weightsSuffix,
		Architecture: base + archSuffix,
	}
}

// Save writes the full model, a weights-only file and the architecture as
// JSON. Each file is written to a temporary name and renamed into place.
func (s *Store) Save(net *model.Network, name string) (Paths, error) {
	return s.save(net, name, 0)
}

func (s *Store) save(net *model.Network, name string, epoch int) (Paths, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Paths{}, fmt.Errorf("invalid model name %q", name)
	}
	paths := s.PathsFor(name)
	file := modelFile{
		Architecture: net.Architecture(),
		Parameters:   net.Parameters(),
		SavedAt:      time.Now().UTC(),
		Epoch:        epoch,
	}

	// weights and architecture go first so the .model rename signals a
	// complete set to watchers.
	if err := writeAtomic(paths.Weights, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(file.Parameters)
	}); err != nil {
		return Paths{}, err
	}
	if err := writeAtomic(paths.Architecture, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(file.Architecture)
	}); err != nil {
		return Paths{}, err
	}
	if err := writeAtomic(paths.Model, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(file)
	}); err != nil {
		return Paths{}, err
	}
	s.logger.Info("model saved", zap.String("name", name), zap.String("path", paths.Model), zap.Int("params", net.ParamCount()))
	return paths, nil
}

// SaveCheckpoint writes net under CheckpointName. Failures are reported as
// *apperrors.CheckpointWriteError.
func (s *Store) SaveCheckpoint(net *model.Network, epoch int) error {
	if _, err := s.save(net, CheckpointName, epoch); err != nil {
		return &apperrors.CheckpointWriteError{Epoch: epoch, Path: s.PathsFor(CheckpointName).Model, Err: err}
	}
	return nil
}

// Load reads the model saved under name. When the combined file is absent
// it falls back to the weights and architecture pair. A name with no files
// yields an error wrapping ErrModelNotFound.
func (s *Store) Load(name string) (*model.Network, error) {
	paths := s.PathsFor(name)
	var file modelFile
	err := readFile(paths.Model, func(f *os.File) error {
		return gob.NewDecoder(f).Decode(&file)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return s.loadPair(name, paths)
	}
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", paths.Model, err)
	}
	net, err := model.FromParameters(file.Architecture, file.Parameters)
	if err != nil {
		return nil, fmt.Errorf("rebuild model %s: %w", name, err)
	}
	return net, nil
}

func (s *Store) loadPair(name string, paths Paths) (*model.Network, error) {
	var arch model.Architecture
	err := readFile(paths.Architecture, func(f *os.File) error {
		return json.NewDecoder(f).Decode(&arch)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read architecture %s: %w", paths.Architecture, err)
	}
	var params model.Parameters
	err = readFile(paths.Weights, func(f *os.File) error {
		return gob.NewDecoder(f).Decode(&params)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (architecture without weights)", ErrModelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read weights %s: %w", paths.Weights, err)
	}
	net, err := model.FromParameters(arch, params)
	if err != nil {
		return nil, fmt.Errorf("rebuild model %s: %w", name, err)
	}
	s.logger.Debug("model loaded from weights and architecture", zap.String("name", name))
	return net, nil
}

// List returns every saved model, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list model dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != modelExt {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:    strings.TrimSuffix(e.Name(), modelExt),
			Path:    filepath.Join(s.dir, e.Name()),
			Size:    fi.Size(),
			SavedAt: fi.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].SavedAt.After(out[j].SavedAt)
	})
	return out, nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func readFile(path string, read func(*os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return read(f)
}
