package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/pipeline"
)

// TypeTrainingRun is the task type of a background training run.
const TypeTrainingRun = "training:run"

// TrainingPayload is the body of a training task.
type TrainingPayload struct {
	RunID       string `json:"run_id"`
	RequestedBy string `json:"requested_by,omitempty"`
	Epochs      int    `json:"epochs,omitempty"`
}

// NewTrainingTask encodes payload as an asynq task.
func NewTrainingTask(payload TrainingPayload) (*asynq.Task, error) {
	if payload.RunID == "" {
		return nil, errors.New("training task requires a run id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTrainingRun, body), nil
}

// Enqueuer is the asynq client surface used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client submits training runs to the queue.
type Client struct {
	enqueuer Enqueuer
	queue    string
	timeout  time.Duration
}

// NewClient wraps an asynq client. Runs are never retried by the queue.
func NewClient(enqueuer Enqueuer, queue string, timeout time.Duration) *Client {
	return &Client{enqueuer: enqueuer, queue: queue, timeout: timeout}
}

// EnqueueTraining submits payload and returns the queue's task id. The run
// id doubles as task id so a run cannot be queued twice.
func (c *Client) EnqueueTraining(ctx context.Context, payload TrainingPayload) (string, error) {
	task, err := NewTrainingTask(payload)
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{
		asynq.TaskID(payload.RunID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	info, err := c.enqueuer.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", logging.NewOperationError("jobs.enqueue_training", payload.RunID, err)
	}
	return info.ID, nil
}

// Runner executes a training run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// TrainingHandler processes training tasks.
type TrainingHandler struct {
	runner Runner
	logger *zap.Logger
}

func NewTrainingHandler(runner Runner, logger *zap.Logger) *TrainingHandler {
	return &TrainingHandler{runner: runner, logger: logger.Named("training_job")}
}

// ProcessTask implements asynq.Handler.
func (h *TrainingHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload TrainingPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("failed to decode training payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	opLogger := logging.WithOperation(h.logger, "jobs.training_run", payload.RunID)
	opLogger.Info("training task started", zap.String("requested_by", payload.RequestedBy))

	out, err := h.runner.Run(ctx, pipeline.Request{RunID: payload.RunID, Epochs: payload.Epochs})
	if err != nil {
		opLogger.Error("training task failed", zap.Error(err))
		if apperrors.KindOf(err) == apperrors.KindDatasetEmpty {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return logging.NewOperationError("jobs.training_run", payload.RunID, err)
	}
	opLogger.Info("training task finished",
		zap.String("model", out.ModelName),
		zap.Float64("test_accuracy", out.Report.Accuracy),
	)
	return nil
}

// NewServeMux routes training tasks to handler.
func NewServeMux(handler *TrainingHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeTrainingRun, handler)
	return mux
}
