package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/config"
	"github.com/example/sigverify/internal/dataset"
	"github.com/example/sigverify/internal/evaluation"
	"github.com/example/sigverify/internal/model"
	"github.com/example/sigverify/internal/modelstore"
	"github.com/example/sigverify/internal/repository"
	"github.com/example/sigverify/internal/training"
)

// RunRecorder persists the lifecycle of a training run.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *repository.TrainingRun) error
	CompleteRun(ctx context.Context, run *repository.TrainingRun) error
}

// Request parameterizes one run. Zero values fall back to configuration.
type Request struct {
	RunID  string
	Epochs int
}

// Outcome is everything a finished run produced.
type Outcome struct {
	RunID     string
	ModelName string
	Paths     modelstore.Paths
	Samples   SplitSizes
	Training  training.Result
	Report    evaluation.Report
}

// SplitSizes counts the samples in each partition.
type SplitSizes struct {
	Train      int `json:"train"`
	Validation int `json:"validation"`
	Test       int `json:"test"`
}

// Pipeline runs assemble, split, train, evaluate and save as one unit.
type Pipeline struct {
	cfg    *config.Config
	loader dataset.FileLoader
	store  *modelstore.Store
	runs   RunRecorder
	logger *zap.Logger
}

// New builds a pipeline. runs may be nil when no registry is configured.
func New(cfg *config.Config, loader dataset.FileLoader, store *modelstore.Store, runs RunRecorder, logger *zap.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, loader: loader, store: store, runs: runs, logger: logger.Named("pipeline")}
}

// ArchitectureFromConfig derives the network topology from configuration.
func ArchitectureFromConfig(cfg *config.Config) model.Architecture {
	return model.Architecture{
		InputSize:        cfg.InputSize(),
		ImageSize:        cfg.Image.Size,
		Hidden:           append([]int(nil), cfg.Model.HiddenLayers...),
		HiddenActivation: model.Activation(cfg.Model.HiddenActivation),
		OutputActivation: model.Activation(cfg.Model.OutputActivation),
	}
}

// NewRunID returns a sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// Run executes a full training run and saves the resulting model twice: under
// a run-specific name and under the configured serving name.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	out := &Outcome{RunID: req.RunID, ModelName: "signature_model_" + strings.ToLower(req.RunID)}
	logger := p.logger.With(zap.String("run_id", req.RunID))

	record := &repository.TrainingRun{
		RunID:     req.RunID,
		ModelName: out.ModelName,
		Status:    repository.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if p.runs != nil {
		if err := p.runs.CreateRun(ctx, record); err != nil {
			logger.Warn("failed to record run start", zap.Error(err))
		}
	}

	err := p.run(ctx, req, out, logger)
	p.finish(ctx, record, out, err, logger)
	return out, err
}

func (p *Pipeline) run(ctx context.Context, req Request, out *Outcome, logger *zap.Logger) error {
	manifest, err := p.manifest()
	if err != nil {
		return err
	}
	ds, err := dataset.NewAssembler(p.loader, logger).Assemble(ctx, manifest)
	if err != nil {
		return err
	}

	ratios := dataset.Ratios{Train: p.cfg.Split.Train, Validation: p.cfg.Split.Validation, Test: p.cfg.Split.Test}
	splits, err := dataset.Split(ds, ratios, p.cfg.RandomSeed)
	if err != nil {
		return err
	}
	out.Samples = SplitSizes{Train: len(splits.Train), Validation: len(splits.Validation), Test: len(splits.Test)}
	logger.Info("dataset split",
		zap.Int("train", out.Samples.Train),
		zap.Int("validation", out.Samples.Validation),
		zap.Int("test", out.Samples.Test),
	)

	net, err := model.New(ArchitectureFromConfig(p.cfg), p.cfg.RandomSeed)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	logger.Info("model built", zap.Int("params", net.ParamCount()))
	logger.Debug("model summary\n" + net.Summary())

	opts := training.OptionsFromConfig(p.cfg.Training, p.cfg.RandomSeed)
	if req.Epochs > 0 {
		opts.Epochs = req.Epochs
	}
	ctrl, err := training.NewController(opts, p.store, logger)
	if err != nil {
		return err
	}
	out.Training, err = ctrl.Train(ctx, net, splits.Train, splits.Validation)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	out.Report, err = evaluation.Evaluate(net, splits.Test)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	logger.Info("test evaluation",
		zap.Float64("loss", out.Report.Loss),
		zap.Float64("accuracy", out.Report.Accuracy),
		zap.Float64("precision", out.Report.Precision),
		zap.Float64("recall", out.Report.Recall),
	)

	if out.Paths, err = p.store.Save(net, out.ModelName); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if _, err := p.store.Save(net, p.cfg.Paths.ModelName); err != nil {
		return fmt.Errorf("save serving model: %w", err)
	}
	return nil
}

func (p *Pipeline) manifest() (*dataset.Manifest, error) {
	if p.cfg.Paths.Manifest != "" {
		return dataset.LoadManifest(p.cfg.Paths.Manifest)
	}
	if p.cfg.Paths.DatasetDir == "" {
		return nil, errors.New("neither a manifest nor a dataset directory is configured")
	}
	return dataset.ScanDirectory(p.cfg.Paths.DatasetDir, p.logger)
}

func (p *Pipeline) finish(ctx context.Context, record *repository.TrainingRun, out *Outcome, runErr error, logger *zap.Logger) {
	finished := time.Now().UTC()
	record.FinishedAt = &finished
	record.TrainSamples = out.Samples.Train
	record.ValSamples = out.Samples.Validation
	record.TestSamples = out.Samples.Test
	record.EpochsRun = len(out.Training.History)
	record.BestEpoch = out.Training.BestEpoch
	record.CheckpointEpoch = out.Training.CheckpointEpoch
	record.StoppedEarly = out.Training.StoppedEarly
	record.TestLoss = out.Report.Loss
	record.TestAccuracy = out.Report.Accuracy
	record.TestPrecision = out.Report.Precision
	record.TestRecall = out.Report.Recall
	record.Epochs = make([]repository.EpochRecord, 0, len(out.Training.History))
	for _, m := range out.Training.History {
		record.Epochs = append(record.Epochs, repository.EpochRecord{
			Epoch:        m.Epoch,
			Loss:         m.Loss,
			Accuracy:     m.Accuracy,
			ValLoss:      m.ValLoss,
			ValAccuracy:  m.ValAccuracy,
			LearningRate: m.LearningRate,
		})
	}
	record.Status = repository.StatusSucceeded
	if runErr != nil {
		record.Status = repository.StatusFailed
		record.Error = runErr.Error()
		logger.Error("training run failed", zap.Error(runErr))
	} else {
		logger.Info("training run complete", zap.String("model", out.ModelName), zap.Duration("duration", finished.Sub(record.StartedAt)))
	}

	if p.runs == nil {
		return
	}
	// the run context may already be cancelled; the record still has to land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.runs.CompleteRun(saveCtx, record); err != nil {
		logger.Warn("failed to record run result", zap.Error(err))
	}
}
