package modelstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultSettle = 250 * time.Millisecond

// Watcher reports when the model file for one name is replaced on disk.
type Watcher struct {
	store  *Store
	name   string
	settle time.Duration
	logger *zap.Logger
}

// NewWatcher watches the store directory for rewrites of name.
func NewWatcher(store *Store, name string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{store: store, name: name, settle: defaultSettle, logger: logger.Named("modelwatch")}
}

// Run blocks until ctx is done, calling onChange once a burst of events on
// the watched model file has been quiet for the settle interval.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.store.Dir(), err)
	}
	target := filepath.Clean(w.store.PathsFor(w.name).Model)
	w.logger.Info("watching model file", zap.String("path", target))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			w.logger.Debug("model file event", zap.String("op", ev.Op.String()))
			timer.Reset(w.settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			onChange()
		}
	}
}
