package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/sigverify/internal/logging"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TrainingRun is one persisted training pipeline execution.
type TrainingRun struct {
	ID              uint          `gorm:"primaryKey" json:"-"`
	RunID           string        `gorm:"column:run_id;uniqueIndex;size:32" json:"run_id"`
	ModelName       string        `gorm:"column:model_name;size:128" json:"model_name"`
	Status          string        `gorm:"column:status;size:16;index" json:"status"`
	Error           string        `gorm:"column:error;type:text" json:"error,omitempty"`
	TrainSamples    int           `gorm:"column:train_samples" json:"train_samples"`
	ValSamples      int           `gorm:"column:val_samples" json:"val_samples"`
	TestSamples     int           `gorm:"column:test_samples" json:"test_samples"`
	EpochsRun       int           `gorm:"column:epochs_run" json:"epochs_run"`
	BestEpoch       int           `gorm:"column:best_epoch" json:"best_epoch"`
	CheckpointEpoch int           `gorm:"column:checkpoint_epoch" json:"checkpoint_epoch"`
	StoppedEarly    bool          `gorm:"column:stopped_early" json:"stopped_early"`
	TestLoss        float64       `gorm:"column:test_loss" json:"test_loss"`
	TestAccuracy    float64       `gorm:"column:test_accuracy" json:"test_accuracy"`
	TestPrecision   float64       `gorm:"column:test_precision" json:"test_precision"`
	TestRecall      float64       `gorm:"column:test_recall" json:"test_recall"`
	StartedAt       time.Time     `gorm:"column:started_at" json:"started_at"`
	FinishedAt      *time.Time    `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Epochs          []EpochRecord `gorm:"foreignKey:RunID;references:RunID" json:"epochs,omitempty"`
}

// TableName overrides the default table name.
func (TrainingRun) TableName() string {
	return "training_runs"
}

// EpochRecord is the metrics snapshot of one epoch of a run.
type EpochRecord struct {
	ID           uint    `gorm:"primaryKey" json:"-"`
	RunID        string  `gorm:"column:run_id;index;size:32" json:"-"`
	Epoch        int     `gorm:"column:epoch" json:"epoch"`
	Loss         float64 `gorm:"column:loss" json:"loss"`
	Accuracy     float64 `gorm:"column:accuracy" json:"accuracy"`
	ValLoss      float64 `gorm:"column:val_loss" json:"val_loss"`
	ValAccuracy  float64 `gorm:"column:val_accuracy" json:"val_accuracy"`
	LearningRate float64 `gorm:"column:learning_rate" json:"learning_rate"`
}

// TableName overrides the default table name.
func (EpochRecord) TableName() string {
	return "training_epochs"
}

// ErrRunNotFound is returned when no run matches the requested id.
var ErrRunNotFound = errors.New("training run not found")

// TrainingRunRepository provides persistence APIs for training runs.
type TrainingRunRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewTrainingRunRepository creates a new repository instance.
func NewTrainingRunRepository(db *gorm.DB, logger *zap.Logger) *TrainingRunRepository {
	return &TrainingRunRepository{
		db:             db,
		logger:         logger.Named("training_run_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *TrainingRunRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&TrainingRun{}, &EpochRecord{})
}

// CreateRun inserts a run in the running state.
func (r *TrainingRunRepository) CreateRun(ctx context.Context, run *TrainingRun) error {
	return r.executeWithRetry(ctx, "repository.create_run", run.RunID, func() error {
		return r.db.WithContext(ctx).Omit("Epochs").Create(run).Error
	})
}

// CompleteRun stores the final state of a run together with its epochs.
func (r *TrainingRunRepository) CompleteRun(ctx context.Context, run *TrainingRun) error {
	return r.executeWithRetry(ctx, "repository.complete_run", run.RunID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Omit("Epochs").Save(run).Error; err != nil {
				return err
			}
			if err := tx.Where("run_id = ?", run.RunID).Delete(&EpochRecord{}).Error; err != nil {
				return err
			}
			if len(run.Epochs) == 0 {
				return nil
			}
			for i := range run.Epochs {
				run.Epochs[i].ID = 0
				run.Epochs[i].RunID = run.RunID
			}
			return tx.Create(&run.Epochs).Error
		})
	})
}

// ListRuns returns the most recent runs first, without epoch detail.
func (r *TrainingRunRepository) ListRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []TrainingRun
	err := r.executeWithRetry(ctx, "repository.list_runs", "", func() error {
		return r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	})
	return runs, err
}

// FindRun loads one run with its epochs.
func (r *TrainingRunRepository) FindRun(ctx context.Context, runID string) (*TrainingRun, error) {
	var run TrainingRun
	err := r.executeWithRetry(ctx, "repository.find_run", runID, func() error {
		err := r.db.WithContext(ctx).
			Preload("Epochs", func(db *gorm.DB) *gorm.DB { return db.Order("epoch ASC") }).
			First(&run, "run_id = ?", runID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRunNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *TrainingRunRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, ErrRunNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
