package verification

import (
	"context"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/imageloader"
)

// HandleProber runs the model currently published in a handle.
type HandleProber struct {
	handle *ModelHandle
}

func NewHandleProber(handle *ModelHandle) *HandleProber {
	return &HandleProber{handle: handle}
}

// Pin fails with *apperrors.ModelUnavailableError when no model is published.
func (p *HandleProber) Pin() (*LoadedModel, error) {
	return PinCurrent(p.handle)
}

func (p *HandleProber) Probability(_ context.Context, m *LoadedModel, img imageloader.Image) (float64, error) {
	return m.Net.Classify(img)
}

// PinCurrent returns the model published in handle.
func PinCurrent(handle *ModelHandle) (*LoadedModel, error) {
	m, ok := handle.Current()
	if !ok {
		return nil, &apperrors.ModelUnavailableError{}
	}
	return m, nil
}
