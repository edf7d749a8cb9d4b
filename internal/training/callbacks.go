package training

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/model"
)

// epochCallbacks runs the end-of-epoch hooks in order: early stopping on
// val_loss, the val_accuracy checkpoint, then plateau decay. The stopping
// and checkpoint trackers are independent and may name different epochs.
type epochCallbacks struct {
	stopper    *earlyStopping
	checkpoint *bestAccuracy
	decay      *plateauDecay
	writer     CheckpointWriter
	logger     *zap.Logger
}

func newEpochCallbacks(opts Options, writer CheckpointWriter, logger *zap.Logger) *epochCallbacks {
	return &epochCallbacks{
		stopper:    newEarlyStopping(opts.EarlyStoppingPatience),
		checkpoint: newBestAccuracy(),
		decay:      newPlateauDecay(opts.LRDecayPatience, opts.LRDecayFactor, opts.MinLearningRate, opts.LRMinDelta),
		writer:     writer,
		logger:     logger,
	}
}

// afterEpoch applies the hooks for m. When it reports stop, the parameters
// of the lowest val_loss epoch have been restored into net if one was seen.
func (cb *epochCallbacks) afterEpoch(m EpochMetrics, net *model.Network, opt model.Optimizer) (stop, restored bool, err error) {
	stop = cb.stopper.observe(m.Epoch, m.ValLoss, net)

	if cb.checkpoint.observe(m.Epoch, m.ValAccuracy) && cb.writer != nil {
		if werr := cb.writer.SaveCheckpoint(net, m.Epoch); werr != nil {
			var cpErr *apperrors.CheckpointWriteError
			if !errors.As(werr, &cpErr) {
				werr = &apperrors.CheckpointWriteError{Epoch: m.Epoch, Err: werr}
			}
			cb.logger.Warn("checkpoint write failed, continuing", zap.Int("epoch", m.Epoch), zap.Error(werr))
		} else {
			cb.logger.Info("val_accuracy improved, checkpoint saved", zap.Int("epoch", m.Epoch), zap.Float64("val_accuracy", m.ValAccuracy))
		}
	}

	lr := opt.LearningRate()
	if next := cb.decay.observe(m.ValLoss, lr); next != lr {
		opt.SetLearningRate(next)
		cb.logger.Info("reducing learning rate", zap.Int("epoch", m.Epoch), zap.Float64("from", lr), zap.Float64("to", next))
	}

	if !stop {
		return false, false, nil
	}
	if cb.stopper.snapshot != nil {
		if err := net.SetParameters(*cb.stopper.snapshot); err != nil {
			return true, false, fmt.Errorf("restore best parameters: %w", err)
		}
		restored = true
	}
	cb.logger.Info("early stopping",
		zap.Int("epoch", m.Epoch),
		zap.Int("best_epoch", cb.stopper.bestEpoch),
		zap.Float64("best_val_loss", cb.stopper.best),
	)
	return true, restored, nil
}

// earlyStopping watches validation loss. Any strict decrease counts as an
// improvement.
type earlyStopping struct {
	patience  int
	best      float64
	bestEpoch int
	wait      int
	snapshot  *model.Parameters
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, best: math.Inf(1)}
}

// observe returns true when training should stop.
func (e *earlyStopping) observe(epoch int, valLoss float64, net *model.Network) bool {
	if valLoss < e.best {
		e.best = valLoss
		e.bestEpoch = epoch
		e.wait = 0
		p := net.Parameters()
		e.snapshot = &p
		return false
	}
	e.wait++
	return e.wait >= e.patience
}

// bestAccuracy tracks the highest validation accuracy seen so far.
type bestAccuracy struct {
	best      float64
	bestEpoch int
}

func newBestAccuracy() *bestAccuracy {
	return &bestAccuracy{best: math.Inf(-1)}
}

func (b *bestAccuracy) observe(epoch int, valAcc float64) bool {
	if valAcc > b.best {
		b.best = valAcc
		b.bestEpoch = epoch
		return true
	}
	return false
}

// plateauDecay lowers the learning rate after a run of epochs whose
// validation loss failed to drop by more than minDelta.
type plateauDecay struct {
	patience int
	factor   float64
	minLR    float64
	minDelta float64
	best     float64
	wait     int
}

func newPlateauDecay(patience int, factor, minLR, minDelta float64) *plateauDecay {
	return &plateauDecay{patience: patience, factor: factor, minLR: minLR, minDelta: minDelta, best: math.Inf(1)}
}

// observe returns the learning rate to use from the next epoch on.
func (p *plateauDecay) observe(valLoss, lr float64) float64 {
	if valLoss < p.best-p.minDelta {
		p.best = valLoss
		p.wait = 0
		return lr
	}
	p.wait++
	if p.wait < p.patience || lr <= p.minLR {
		return lr
	}
	p.wait = 0
	return math.Max(lr*p.factor, p.minLR)
}
