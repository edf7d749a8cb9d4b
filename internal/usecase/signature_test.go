package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/imageloader"
	"github.com/example/sigverify/internal/jobs"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/model"
	"github.com/example/sigverify/internal/modelstore"
	"github.com/example/sigverify/internal/repository"
	"github.com/example/sigverify/internal/verification"
)

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubLoader struct {
	net *model.Network
	err error
}

func (s *stubLoader) Load(name string) (*model.Network, error) {
	return s.net, s.err
}

type stubRuns struct {
	runs []repository.TrainingRun
	err  error
}

func (s *stubRuns) ListRuns(ctx context.Context, limit int) ([]repository.TrainingRun, error) {
	return s.runs, s.err
}

func (s *stubRuns) FindRun(ctx context.Context, runID string) (*repository.TrainingRun, error) {
	for i := range s.runs {
		if s.runs[i].RunID == runID {
			return &s.runs[i], nil
		}
	}
	return nil, repository.ErrRunNotFound
}

type stubQueue struct {
	payload jobs.TrainingPayload
	err     error
}

func (s *stubQueue) EnqueueTraining(ctx context.Context, payload jobs.TrainingPayload) (string, error) {
	s.payload = payload
	if s.err != nil {
		return "", s.err
	}
	return "task-" + payload.RunID, nil
}

type stubStatus struct {
	serving   []bool
	onServing func()
}

func (s *stubStatus) SetServing(serving bool) {
	s.serving = append(s.serving, serving)
	if s.onServing != nil {
		s.onServing()
	}
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func tinyNet(t *testing.T) *model.Network {
	t.Helper()
	net, err := model.New(model.Architecture{InputSize: 16, ImageSize: 4, Hidden: []int{4}, HiddenActivation: model.ReLU, OutputActivation: model.Sigmoid}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return net
}

func pngBytes(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	img.SetGray(0, 0, color.Gray{Y: 255 - level})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	uc     *SignatureUseCase
	handle *verification.ModelHandle
	cache  *stubCache
	status *stubStatus
}

func newFixture(t *testing.T, loader ModelLoader, runs RunRepository, queue TrainingQueue) *fixture {
	t.Helper()
	handle := verification.NewModelHandle()
	cache := &stubCache{getErrs: []error{redis.Nil, redis.Nil, redis.Nil, redis.Nil}}
	prober := NewCachingProber(handle, cache, time.Minute, zap.NewNop())
	engine, err := verification.NewEngine(prober, imageloader.New(4), verification.Options{
		ConfidenceThreshold: verification.DefaultConfidenceThreshold,
		SimilarityThreshold: verification.DefaultSimilarityThreshold,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status := &stubStatus{}
	uc := NewSignatureUseCase(Dependencies{
		Engine:    engine,
		Handle:    handle,
		Loader:    loader,
		ModelName: modelstore.LatestModelName,
		Runs:      runs,
		Queue:     queue,
		Status:    status,
	}, zap.NewNop())
	return &fixture{uc: uc, handle: handle, cache: cache, status: status}
}

func TestPredictWithoutModelIsUnavailable(t *testing.T) {
	f := newFixture(t, &stubLoader{}, nil, nil)
	_, err := f.uc.Predict(context.Background(), "req-1", pngBytes(t, 200))
	if apperrors.KindOf(err) != apperrors.KindModelUnavailable {
		t.Fatalf("expected model_unavailable, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.predict" || opErr.RequestID != "req-1" {
		t.Fatalf("expected OperationError, got %v", err)
	}
}

func TestPredictRejectsCorruptImage(t *testing.T) {
	f := newFixture(t, &stubLoader{net: tinyNet(t)}, nil, nil)
	if _, err := f.uc.ReloadModel(context.Background(), "req-0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := f.uc.Predict(context.Background(), "req-2", []byte("not an image"))
	if apperrors.KindOf(err) != apperrors.KindDecode {
		t.Fatalf("expected decode_error, got %v", err)
	}
}

func TestReloadPublishesAndPredictCaches(t *testing.T) {
	net := tinyNet(t)
	f := newFixture(t, &stubLoader{net: net}, nil, nil)
	loaded, err := f.uc.ReloadModel(context.Background(), "req-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Version == "" || loaded.Name != modelstore.LatestModelName {
		t.Fatalf("unexpected loaded model %+v", loaded)
	}
	if len(f.status.serving) != 1 || !f.status.serving[0] {
		t.Fatalf("expected status reporter to be told serving, got %v", f.status.serving)
	}

	f.cache.setErrs = []error{transientRedisError{}}
	result, err := f.uc.Predict(context.Background(), "req-4", pngBytes(t, 200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Version != loaded.Version {
		t.Fatalf("expected version %s, got %s", loaded.Version, result.Version)
	}
	if len(f.cache.setKeys) != 2 || f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected one retried cache write, got %v", f.cache.setKeys)
	}
	stored, _ := f.cache.setValues[1].(string)
	if p, _ := strconv.ParseFloat(stored, 64); p != result.Probability {
		t.Fatalf("cached %q, predicted %v", stored, result.Probability)
	}
	if want := "prob:" + loaded.Version + ":"; len(f.cache.setKeys[0]) <= len(want) || f.cache.setKeys[0][:len(want)] != want {
		t.Fatalf("unexpected cache key %s", f.cache.setKeys[0])
	}
	if info := f.uc.ModelInfo(); info.Status != "loaded" || info.TotalParameters != net.ParamCount() {
		t.Fatalf("unexpected model info %+v", info)
	}
}

func TestReloadMissingModel(t *testing.T) {
	f := newFixture(t, &stubLoader{err: modelstore.ErrModelNotFound}, nil, nil)
	_, err := f.uc.ReloadModel(context.Background(), "req-5")
	if apperrors.KindOf(err) != apperrors.KindModelUnavailable {
		t.Fatalf("expected model_unavailable, got %v", err)
	}
	if f.uc.ModelLoaded() {
		t.Fatal("no model should be published")
	}
	if info := f.uc.ModelInfo(); info.Status != "no_model" {
		t.Fatalf("unexpected status %s", info.Status)
	}
}

func TestVerifyReturnsVerdict(t *testing.T) {
	f := newFixture(t, &stubLoader{net: tinyNet(t)}, nil, nil)
	if _, err := f.uc.ReloadModel(context.Background(), "req-6"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img := pngBytes(t, 120)
	verdict, err := f.uc.Verify(context.Background(), "req-7", img, img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Similarity != 1 {
		t.Fatalf("identical images must have similarity 1, got %f", verdict.Similarity)
	}
	if verdict.Match != verdict.Reference.Genuine {
		t.Fatalf("identical images match exactly when genuine: %+v", verdict)
	}
}

func TestReloadReturnsItsOwnPublication(t *testing.T) {
	f := newFixture(t, &stubLoader{net: tinyNet(t)}, nil, nil)
	f.status.onServing = func() {
		f.handle.Publish(tinyNet(t), "other", "concurrent")
	}

	loaded, err := f.uc.ReloadModel(context.Background(), "req-6")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Version == "concurrent" || loaded.Name != modelstore.LatestModelName {
		t.Fatalf("reload reported another publication: %+v", loaded)
	}
	if current, _ := f.handle.Current(); current.Version != "concurrent" {
		t.Fatalf("expected concurrent publish to be served, got %s", current.Version)
	}
}

func TestCachingProberUsesCachedValue(t *testing.T) {
	handle := verification.NewModelHandle()
	handle.Publish(tinyNet(t), "m", "v1")
	cache := &stubCache{getValues: []string{"0.25"}}
	prober := NewCachingProber(handle, cache, time.Minute, zap.NewNop())

	m, err := prober.Pin()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	version := m.Version
	p, err := prober.Probability(context.Background(), m, imageloader.Image{Size: 4, Pixels: make([]float64, 16), Digest: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 0.25 || version != "v1" {
		t.Fatalf("expected cached 0.25 from v1, got %v from %s", p, version)
	}
	if len(cache.getKeys) != 1 || cache.getKeys[0] != "prob:v1:abc" {
		t.Fatalf("unexpected cache keys %v", cache.getKeys)
	}
	if len(cache.setKeys) != 0 {
		t.Fatal("cache hit must not write")
	}
}

func TestCachingProberFallsThroughOnCacheFailure(t *testing.T) {
	handle := verification.NewModelHandle()
	net := tinyNet(t)
	handle.Publish(net, "m", "v1")
	cache := &stubCache{getErrs: []error{errors.New("connection refused")}, setErrs: []error{errors.New("connection refused")}}
	prober := NewCachingProber(handle, cache, time.Minute, zap.NewNop())

	img := imageloader.Image{Size: 4, Pixels: make([]float64, 16), Digest: "abc"}
	m, err := prober.Pin()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := prober.Probability(context.Background(), m, img)
	if err != nil {
		t.Fatalf("cache failure must not fail the request: %v", err)
	}
	want, _ := net.Classify(img)
	if p != want {
		t.Fatalf("expected model probability %v, got %v", want, p)
	}
}

func TestEnqueueTraining(t *testing.T) {
	queue := &stubQueue{}
	f := newFixture(t, &stubLoader{}, nil, queue)
	ticket, err := f.uc.EnqueueTraining(context.Background(), "req-8", "user-1", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ticket.RunID == "" || ticket.TaskID != "task-"+ticket.RunID {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if queue.payload.RequestedBy != "user-1" || queue.payload.Epochs != 7 {
		t.Fatalf("unexpected payload %+v", queue.payload)
	}

	disabled := newFixture(t, &stubLoader{}, nil, nil)
	if _, err := disabled.uc.EnqueueTraining(context.Background(), "req-9", "user-1", 0); !errors.Is(err, ErrFeatureDisabled) {
		t.Fatalf("expected ErrFeatureDisabled, got %v", err)
	}
}

func TestGetTrainingSummary(t *testing.T) {
	runs := &stubRuns{runs: []repository.TrainingRun{
		{RunID: "a", Status: repository.StatusSucceeded, TestAccuracy: 0.8, EpochsRun: 10},
		{RunID: "b", Status: repository.StatusSucceeded, TestAccuracy: 0.9, EpochsRun: 20},
		{RunID: "c", Status: repository.StatusFailed},
		{RunID: "d", Status: repository.StatusRunning},
	}}
	f := newFixture(t, &stubLoader{}, runs, nil)
	summary, err := f.uc.GetTrainingSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalRuns != 4 || summary.SucceededRuns != 2 || summary.FailedRuns != 1 {
		t.Fatalf("unexpected counts %+v", summary)
	}
	if summary.BestRunID != "b" || summary.AverageEpochs != 15 || summary.SuccessRate != 0.5 {
		t.Fatalf("unexpected aggregates %+v", summary)
	}

	if _, err := f.uc.GetRun(context.Background(), "missing"); !errors.Is(err, repository.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
