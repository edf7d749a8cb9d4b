package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/jobs"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/model"
	"github.com/example/sigverify/internal/modelstore"
	"github.com/example/sigverify/internal/repository"
	"github.com/example/sigverify/internal/verification"
)

// ModelLoader loads a saved model by name.
type ModelLoader interface {
	Load(name string) (*model.Network, error)
}

// RunRepository defines the persistence operations needed by the use case.
type RunRepository interface {
	ListRuns(ctx context.Context, limit int) ([]repository.TrainingRun, error)
	FindRun(ctx context.Context, runID string) (*repository.TrainingRun, error)
}

// TrainingQueue submits background training runs.
type TrainingQueue interface {
	EnqueueTraining(ctx context.Context, payload jobs.TrainingPayload) (string, error)
}

// StatusReporter is told whether a model is being served.
type StatusReporter interface {
	SetServing(serving bool)
}

// Dependencies groups the collaborators of SignatureUseCase. Runs, Queue and
// Status are optional.
type Dependencies struct {
	Engine    *verification.Engine
	Handle    *verification.ModelHandle
	Loader    ModelLoader
	ModelName string
	Runs      RunRepository
	Queue     TrainingQueue
	Status    StatusReporter
}

// SignatureUseCase encapsulates business logic for classification,
// verification and model lifecycle.
type SignatureUseCase struct {
	engine    *verification.Engine
	handle    *verification.ModelHandle
	loader    ModelLoader
	modelName string
	runs      RunRepository
	queue     TrainingQueue
	status    StatusReporter
	logger    *zap.Logger
}

// ErrFeatureDisabled is returned when an optional collaborator is absent.
var ErrFeatureDisabled = errors.New("feature not configured")

// NewSignatureUseCase constructs a new use case instance.
func NewSignatureUseCase(deps Dependencies, logger *zap.Logger) *SignatureUseCase {
	return &SignatureUseCase{
		engine:    deps.Engine,
		handle:    deps.Handle,
		loader:    deps.Loader,
		modelName: deps.ModelName,
		runs:      deps.Runs,
		queue:     deps.Queue,
		status:    deps.Status,
		logger:    logger.Named("signature_usecase"),
	}
}

// Predict classifies one uploaded image.
func (uc *SignatureUseCase) Predict(ctx context.Context, requestID string, image []byte) (verification.Classification, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	ctx = logging.ContextWithRequestID(ctx, requestID)

	result, err := uc.engine.ClassifyBytes(ctx, image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.predict", requestID, err)
		opLogger.Warn("prediction failed", zap.Error(wrapped), zap.String("kind", string(apperrors.KindOf(err))))
		return verification.Classification{}, wrapped
	}
	opLogger.Info("prediction complete",
		zap.String("prediction", result.Label),
		zap.Float64("probability", result.Probability),
		zap.String("model_version", result.Version),
	)
	return result, nil
}

// Verify compares a test signature against a reference.
func (uc *SignatureUseCase) Verify(ctx context.Context, requestID string, reference, test []byte) (verification.Verdict, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	ctx = logging.ContextWithRequestID(ctx, requestID)

	verdict, err := uc.engine.VerifyBytes(ctx, reference, test)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify", requestID, err)
		opLogger.Warn("verification failed", zap.Error(wrapped), zap.String("kind", string(apperrors.KindOf(err))))
		return verification.Verdict{}, wrapped
	}
	opLogger.Info("verification complete",
		zap.String("verdict", verdict.Outcome()),
		zap.Float64("similarity", verdict.Similarity),
	)
	return verdict, nil
}

// ReloadModel loads the serving model from disk and publishes it. A missing
// model unpublishes nothing and reports ModelUnavailableError.
func (uc *SignatureUseCase) ReloadModel(ctx context.Context, requestID string) (*verification.LoadedModel, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.reload_model", requestID)

	net, err := uc.loader.Load(uc.modelName)
	if err != nil {
		if errors.Is(err, modelstore.ErrModelNotFound) {
			err = &apperrors.ModelUnavailableError{Reason: err.Error()}
		}
		wrapped := logging.NewOperationError("usecase.reload_model", requestID, err)
		opLogger.Error("model reload failed", zap.Error(wrapped))
		return nil, wrapped
	}

	version := ulid.Make().String()
	published, previous := uc.handle.Publish(net, uc.modelName, version)
	if uc.status != nil {
		uc.status.SetServing(true)
	}
	fields := []zap.Field{zap.String("model", uc.modelName), zap.String("version", version), zap.Int("params", net.ParamCount())}
	if previous != nil {
		fields = append(fields, zap.String("previous_version", previous.Version))
	}
	opLogger.Info("model published", fields...)
	return published, nil
}

// ModelInfo describes the served model.
type ModelInfo struct {
	Status              string              `json:"status"`
	Name                string              `json:"name,omitempty"`
	Version             string              `json:"version,omitempty"`
	LoadedAt            *time.Time          `json:"loaded_at,omitempty"`
	Architecture        *model.Architecture `json:"architecture,omitempty"`
	TotalParameters     int                 `json:"total_parameters,omitempty"`
	Summary             string              `json:"summary,omitempty"`
	ConfidenceThreshold float64             `json:"confidence_threshold"`
	SimilarityThreshold float64             `json:"similarity_threshold"`
}

// ModelInfo reports the published model, or status "no_model".
func (uc *SignatureUseCase) ModelInfo() ModelInfo {
	opts := uc.engine.Options()
	info := ModelInfo{
		Status:              "no_model",
		ConfidenceThreshold: opts.ConfidenceThreshold,
		SimilarityThreshold: opts.SimilarityThreshold,
	}
	m, ok := uc.handle.Current()
	if !ok {
		return info
	}
	arch := m.Net.Architecture()
	loadedAt := m.LoadedAt
	info.Status = "loaded"
	info.Name = m.Name
	info.Version = m.Version
	info.LoadedAt = &loadedAt
	info.Architecture = &arch
	info.TotalParameters = m.Net.ParamCount()
	info.Summary = m.Net.Summary()
	return info
}

// ModelLoaded reports whether a model is published.
func (uc *SignatureUseCase) ModelLoaded() bool {
	_, ok := uc.handle.Current()
	return ok
}

// ListRuns returns recent training runs.
func (uc *SignatureUseCase) ListRuns(ctx context.Context, limit int) ([]repository.TrainingRun, error) {
	if uc.runs == nil {
		return nil, ErrFeatureDisabled
	}
	return uc.runs.ListRuns(ctx, limit)
}

// GetRun returns one run with its epoch history.
func (uc *SignatureUseCase) GetRun(ctx context.Context, runID string) (*repository.TrainingRun, error) {
	if uc.runs == nil {
		return nil, ErrFeatureDisabled
	}
	return uc.runs.FindRun(ctx, runID)
}

// TrainingTicket identifies a queued training run.
type TrainingTicket struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
}

// EnqueueTraining queues a background training run.
func (uc *SignatureUseCase) EnqueueTraining(ctx context.Context, requestID, userID string, epochs int) (*TrainingTicket, error) {
	if uc.queue == nil {
		return nil, ErrFeatureDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.enqueue_training", requestID)
	runID := ulid.Make().String()
	taskID, err := uc.queue.EnqueueTraining(ctx, jobs.TrainingPayload{RunID: runID, RequestedBy: userID, Epochs: epochs})
	if err != nil {
		opLogger.Error("failed to enqueue training", zap.Error(err))
		return nil, err
	}
	opLogger.Info("training queued", zap.String("run_id", runID), zap.String("task_id", taskID), zap.String("user_id", userID))
	return &TrainingTicket{RunID: runID, TaskID: taskID}, nil
}
