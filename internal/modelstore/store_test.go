package modelstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/model"
)

func testNet(t *testing.T, seed int64) *model.Network {
	t.Helper()
	net, err := model.New(model.Architecture{InputSize: 16, ImageSize: 4, Hidden: []int{5, 3}, HiddenActivation: model.Tanh, OutputActivation: model.Sigmoid}, seed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return net
}

func probe() []float64 {
	x := make([]float64, 16)
	for i := range x {
		x[i] = float64(i) / 16
	}
	return x
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	net := testNet(t, 1)
	paths, err := store.Save(net, "signature_model_test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range []string{paths.Model, paths.Weights, paths.Architecture} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}

	loaded, err := store.Load("signature_model_test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := net.Predict(probe())
	got, _ := loaded.Predict(probe())
	if got != want {
		t.Fatalf("loaded model predicts %v, want %v", got, want)
	}
	if loaded.Architecture().HiddenActivation != model.Tanh {
		t.Fatalf("architecture not preserved: %+v", loaded.Architecture())
	}
}

func TestLoadFallsBackToWeightsAndArchitecture(t *testing.T) {
	store, _ := New(t.TempDir(), zap.NewNop())
	net := testNet(t, 2)
	paths, err := store.Save(net, "legacy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.Remove(paths.Model); err != nil {
		t.Fatalf("remove: %v", err)
	}
	loaded, err := store.Load("legacy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := net.Predict(probe())
	if got, _ := loaded.Predict(probe()); got != want {
		t.Fatalf("fallback model predicts %v, want %v", got, want)
	}
}

func TestLoadMissing(t *testing.T) {
	store, _ := New(t.TempDir(), zap.NewNop())
	_, err := store.Load("nope")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestSaveRejectsPathNames(t *testing.T) {
	store, _ := New(t.TempDir(), zap.NewNop())
	if _, err := store.Save(testNet(t, 1), "../escape"); err == nil {
		t.Fatal("expected error for name with separator")
	}
}

func TestSaveCheckpointWrapsFailures(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir, zap.NewNop())
	net := testNet(t, 3)
	if err := store.SaveCheckpoint(net, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(CheckpointName); err != nil {
		t.Fatalf("checkpoint not loadable: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	err := store.SaveCheckpoint(net, 5)
	var cpErr *apperrors.CheckpointWriteError
	if !errors.As(err, &cpErr) {
		t.Fatalf("expected CheckpointWriteError, got %v", err)
	}
	if cpErr.Epoch != 5 || apperrors.KindOf(err) != apperrors.KindCheckpointWrite {
		t.Fatalf("unexpected checkpoint error %+v", cpErr)
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir, zap.NewNop())
	for _, name := range []string{"a", "b"} {
		if _, err := store.Save(testNet(t, 1), name); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "a.model"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	infos, err := store.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "b" || infos[1].Name != "a" {
		t.Fatalf("unexpected listing %+v", infos)
	}
}

func TestWatcherFiresOnRewrite(t *testing.T) {
	store, _ := New(t.TempDir(), zap.NewNop())
	w := NewWatcher(store, LatestModelName, zap.NewNop())
	w.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() { fired <- struct{}{} })
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := store.Save(testNet(t, 9), LatestModelName); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		select {
		case <-fired:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watcher returned error: %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watcher did not report model rewrite")
		}
	}
}
