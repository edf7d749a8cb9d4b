package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/pipeline"
)

type stubEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.task = task
	s.opts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: "training"}, nil
}

type stubRunner struct {
	req pipeline.Request
	err error
}

func (s *stubRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Outcome{RunID: req.RunID, ModelName: "signature_model_x"}, nil
}

func TestEnqueueTraining(t *testing.T) {
	enq := &stubEnqueuer{}
	client := NewClient(enq, "training", 0)
	id, err := client.EnqueueTraining(context.Background(), TrainingPayload{RunID: "run-1", Epochs: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "task-1" {
		t.Fatalf("unexpected task id %s", id)
	}
	if enq.task.Type() != TypeTrainingRun {
		t.Fatalf("unexpected task type %s", enq.task.Type())
	}
	var payload TrainingPayload
	if err := json.Unmarshal(enq.task.Payload(), &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if payload.RunID != "run-1" || payload.Epochs != 5 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(enq.opts) != 3 {
		t.Fatalf("expected task id, queue and retry options, got %d", len(enq.opts))
	}
}

func TestEnqueueTrainingWrapsQueueErrors(t *testing.T) {
	client := NewClient(&stubEnqueuer{err: errors.New("redis down")}, "training", 0)
	_, err := client.EnqueueTraining(context.Background(), TrainingPayload{RunID: "run-2"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.RequestID != "run-2" {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if _, err := client.EnqueueTraining(context.Background(), TrainingPayload{}); err == nil {
		t.Fatal("expected error without run id")
	}
}

func TestProcessTaskRunsPipeline(t *testing.T) {
	runner := &stubRunner{}
	h := NewTrainingHandler(runner, zap.NewNop())
	task, _ := NewTrainingTask(TrainingPayload{RunID: "run-3", Epochs: 2})
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.req.RunID != "run-3" || runner.req.Epochs != 2 {
		t.Fatalf("unexpected request %+v", runner.req)
	}
}

func TestProcessTaskSkipsRetryForEmptyDataset(t *testing.T) {
	h := NewTrainingHandler(&stubRunner{err: &apperrors.DatasetEmptyError{}}, zap.NewNop())
	task, _ := NewTrainingTask(TrainingPayload{RunID: "run-4"})
	err := h.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	bad := asynq.NewTask(TypeTrainingRun, []byte("{"))
	if err := h.ProcessTask(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad payload, got %v", err)
	}
}
