package dataset

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/imageloader"
)

// Label is the ground-truth tag of a sample.
type Label int

const (
	Forged  Label = 0
	Genuine Label = 1
)

func (l Label) String() string {
	if l == Genuine {
		return "GENUINE"
	}
	return "FORGED"
}

// Sample is one labeled image.
type Sample struct {
	Image    imageloader.Image
	Label    Label
	Identity string
	Source   string
}

// Dataset is the concatenation of every genuine sample followed by every
// forged sample.
type Dataset struct {
	Samples []Sample
	Genuine int
	Forged  int
}

// Labels returns the label of every sample in order.
func (d *Dataset) Labels() []Label {
	out := make([]Label, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.Label
	}
	return out
}

// FileLoader loads one image file.
type FileLoader interface {
	Load(path string) (imageloader.Image, error)
}

// Assembler turns a manifest into a labeled dataset.
type Assembler struct {
	loader FileLoader
	logger *zap.Logger
}

// NewAssembler constructs an assembler reading files through loader.
func NewAssembler(loader FileLoader, logger *zap.Logger) *Assembler {
	return &Assembler{loader: loader, logger: logger.Named("dataset")}
}

// Assemble loads every image in the manifest. Missing categories and
// undecodable files are logged and skipped. It fails with
// *apperrors.DatasetEmptyError when either class ends up empty.
func (a *Assembler) Assemble(ctx context.Context, m *Manifest) (*Dataset, error) {
	if m == nil || len(m.Identities) == 0 {
		err := &apperrors.DatasetEmptyError{}
		a.logger.Error("dataset assembly failed, no identities found", zap.Error(err))
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var genuine, forged []Sample
	for _, id := range m.Identities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idLogger := a.logger.With(zap.String("identity", id.Name))

		if len(id.Genuine) == 0 {
			idLogger.Warn("identity has no genuine samples, skipping category")
		} else {
			genuine = append(genuine, a.loadGroup(idLogger, id.Name, id.Genuine, Genuine)...)
		}
		if len(id.Forged) == 0 {
			idLogger.Warn("identity has no forged samples, skipping category")
		} else {
			forged = append(forged, a.loadGroup(idLogger, id.Name, id.Forged, Forged)...)
		}
	}

	if len(genuine) == 0 || len(forged) == 0 {
		err := &apperrors.DatasetEmptyError{Genuine: len(genuine), Forged: len(forged)}
		a.logger.Error("dataset assembly failed", zap.Error(err))
		return nil, err
	}

	ds := &Dataset{
		Samples: make([]Sample, 0, len(genuine)+len(forged)),
		Genuine: len(genuine),
		Forged:  len(forged),
	}
	ds.Samples = append(ds.Samples, genuine...)
	ds.Samples = append(ds.Samples, forged...)
	a.logger.Info("dataset assembled",
		zap.Int("total", len(ds.Samples)),
		zap.Int("genuine", ds.Genuine),
		zap.Int("forged", ds.Forged),
	)
	return ds, nil
}

func (a *Assembler) loadGroup(logger *zap.Logger, identity string, paths []string, label Label) []Sample {
	out := make([]Sample, 0, len(paths))
	for _, p := range paths {
		img, err := a.loader.Load(p)
		if err != nil {
			logger.Warn("skipping unreadable image", zap.String("path", p), zap.Error(err))
			continue
		}
		out = append(out, Sample{Image: img, Label: label, Identity: identity, Source: p})
	}
	if len(out) == 0 {
		logger.Warn("no valid images loaded", zap.Stringer("label", label))
	} else {
		logger.Debug("loaded images", zap.Stringer("label", label), zap.Int("count", len(out)), zap.Int("listed", len(paths)))
	}
	return out
}
