package verification

import (
	"sync/atomic"
	"time"

	"github.com/example/sigverify/internal/model"
)

// LoadedModel is a published, read-only model. Its network must not be
// trained or mutated after publication.
type LoadedModel struct {
	Net      *model.Network
	Name     string
	Version  string
	LoadedAt time.Time
}

// ModelHandle holds the currently served model. Readers see either the
// previous or the next model in full, never a mix.
type ModelHandle struct {
	current atomic.Pointer[LoadedModel]
}

// NewModelHandle returns an empty handle.
func NewModelHandle() *ModelHandle {
	return &ModelHandle{}
}

// Publish makes net the served model. It returns the record it published and
// the one it replaced.
func (h *ModelHandle) Publish(net *model.Network, name, version string) (published, previous *LoadedModel) {
	published = &LoadedModel{Net: net, Name: name, Version: version, LoadedAt: time.Now().UTC()}
	return published, h.current.Swap(published)
}

// Current returns the served model, or false when none is loaded.
func (h *ModelHandle) Current() (*LoadedModel, bool) {
	m := h.current.Load()
	return m, m != nil
}

// Clear unloads the served model.
func (h *ModelHandle) Clear() {
	h.current.Store(nil)
}
