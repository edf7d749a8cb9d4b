package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/example/sigverify/internal/config"
	"github.com/example/sigverify/internal/dataset"
	"github.com/example/sigverify/internal/model"
)

// CheckpointWriter persists a full copy of the network mid-training.
type CheckpointWriter interface {
	SaveCheckpoint(net *model.Network, epoch int) error
}

// Options configures a training run.
type Options struct {
	Epochs                int
	BatchSize             int
	Optimizer             string
	LearningRate          float64
	EarlyStoppingPatience int
	LRDecayPatience       int
	LRDecayFactor         float64
	MinLearningRate       float64
	// LRMinDelta is the validation loss drop the plateau decay requires.
	LRMinDelta float64
	Seed       int64
}

// OptionsFromConfig maps the training section onto controller options.
func OptionsFromConfig(cfg config.TrainingConfig, seed int64) Options {
	return Options{
		Epochs:                cfg.Epochs,
		BatchSize:             cfg.BatchSize,
		Optimizer:             cfg.Optimizer,
		LearningRate:          cfg.LearningRate,
		EarlyStoppingPatience: cfg.EarlyStoppingPatience,
		LRDecayPatience:       cfg.LRDecayPatience,
		LRDecayFactor:         cfg.LRDecayFactor,
		MinLearningRate:       cfg.MinLearningRate,
		LRMinDelta:            1e-4,
		Seed:                  seed,
	}
}

// Controller runs mini-batch training with early stopping, best-accuracy
// checkpointing and plateau learning-rate decay.
type Controller struct {
	opts        Options
	checkpoints CheckpointWriter
	logger      *zap.Logger
	onEpoch     func(EpochMetrics)
}

// NewController constructs a controller. checkpoints may be nil.
func NewController(opts Options, checkpoints CheckpointWriter, logger *zap.Logger) (*Controller, error) {
	if opts.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be at least 1, got %d", opts.Epochs)
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", opts.BatchSize)
	}
	if opts.EarlyStoppingPatience < 1 || opts.LRDecayPatience < 1 {
		return nil, errors.New("patience values must be at least 1")
	}
	if _, err := model.NewOptimizer(opts.Optimizer, opts.LearningRate); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{opts: opts, checkpoints: checkpoints, logger: logger.Named("training")}, nil
}

// OnEpoch registers fn to receive every epoch snapshot as it is recorded.
func (c *Controller) OnEpoch(fn func(EpochMetrics)) {
	c.onEpoch = fn
}

// Train fits net on train, validating on val after every epoch. The network
// must not be used elsewhere until Train returns. Cancellation is honored
// between epochs; the partial result is returned alongside ctx's error.
func (c *Controller) Train(ctx context.Context, net *model.Network, train, val []dataset.Sample) (Result, error) {
	if len(train) == 0 || len(val) == 0 {
		return Result{}, fmt.Errorf("train and validation sets must be non-empty (train=%d, validation=%d)", len(train), len(val))
	}
	opt, err := model.NewOptimizer(c.opts.Optimizer, c.opts.LearningRate)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	rng := rand.New(rand.NewSource(c.opts.Seed))
	callbacks := newEpochCallbacks(c.opts, c.checkpoints, c.logger)

	valX, valY := toBatch(val, nil)
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	res := Result{}
	finish := func() Result {
		res.BestEpoch = callbacks.stopper.bestEpoch
		res.CheckpointEpoch = callbacks.checkpoint.bestEpoch
		res.FinalLearningRate = opt.LearningRate()
		res.Duration = time.Since(start)
		return res
	}

	c.logger.Info("training started",
		zap.Int("train_samples", len(train)),
		zap.Int("validation_samples", len(val)),
		zap.Int("epochs", c.opts.Epochs),
		zap.Int("batch_size", c.opts.BatchSize),
		zap.String("optimizer", opt.Name()),
		zap.Float64("learning_rate", opt.LearningRate()),
	)

	for epoch := 1; epoch <= c.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("training cancelled", zap.Int("completed_epochs", len(res.History)))
			return finish(), err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		lr := opt.LearningRate()
		var trainMetrics model.BinaryMetrics
		for lo := 0; lo < len(order); lo += c.opts.BatchSize {
			hi := lo + c.opts.BatchSize
			if hi > len(order) {
				hi = len(order)
			}
			x, y := toBatch(train, order[lo:hi])
			probs, grads := net.Backprop(x, y)
			net.Apply(opt, grads)
			for i, p := range probs {
				trainMetrics.Add(p, y[i])
			}
		}

		var valMetrics model.BinaryMetrics
		for i, p := range net.PredictBatch(valX) {
			valMetrics.Add(p, valY[i])
		}

		m := EpochMetrics{
			Epoch:        epoch,
			Loss:         trainMetrics.Loss(),
			Accuracy:     trainMetrics.Accuracy(),
			Precision:    trainMetrics.Precision(),
			Recall:       trainMetrics.Recall(),
			ValLoss:      valMetrics.Loss(),
			ValAccuracy:  valMetrics.Accuracy(),
			ValPrecision: valMetrics.Precision(),
			ValRecall:    valMetrics.Recall(),
			LearningRate: lr,
		}
		res.History = append(res.History, m)
		c.logger.Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Float64("loss", m.Loss),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("val_loss", m.ValLoss),
			zap.Float64("val_accuracy", m.ValAccuracy),
			zap.Float64("learning_rate", lr),
		)
		if c.onEpoch != nil {
			c.onEpoch(m)
		}

		stop, restored, err := callbacks.afterEpoch(m, net, opt)
		if err != nil {
			return finish(), err
		}
		if stop {
			res.StoppedEarly = true
			res.Restored = restored
			break
		}
	}

	out := finish()
	c.logger.Info("training finished",
		zap.Int("epochs_run", len(out.History)),
		zap.Int("best_epoch", out.BestEpoch),
		zap.Int("checkpoint_epoch", out.CheckpointEpoch),
		zap.Bool("stopped_early", out.StoppedEarly),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// toBatch stacks the selected samples (all when idx is nil) into an input
// matrix and a target vector.
func toBatch(samples []dataset.Sample, idx []int) (*mat.Dense, []float64) {
	if idx == nil {
		idx = make([]int, len(samples))
		for i := range idx {
			idx[i] = i
		}
	}
	inputs := make([][]float64, len(idx))
	targets := make([]float64, len(idx))
	for i, j := range idx {
		inputs[i] = samples[j].Image.Pixels
		targets[i] = float64(samples[j].Label)
	}
	return model.Stack(inputs), targets
}
