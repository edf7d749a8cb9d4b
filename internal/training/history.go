package training

import "time"

// EpochMetrics is the snapshot recorded at the end of one epoch. Epoch is
// 1-based.
type EpochMetrics struct {
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	Accuracy     float64 `json:"accuracy"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
	ValPrecision float64 `json:"val_precision"`
	ValRecall    float64 `json:"val_recall"`
	LearningRate float64 `json:"learning_rate"`
}

// History is the ordered list of epoch snapshots.
type History []EpochMetrics

// Epoch returns the snapshot for a 1-based epoch number.
func (h History) Epoch(n int) (EpochMetrics, bool) {
	if n < 1 || n > len(h) {
		return EpochMetrics{}, false
	}
	return h[n-1], true
}

// Last returns the most recent snapshot.
func (h History) Last() (EpochMetrics, bool) {
	return h.Epoch(len(h))
}

// Result describes a finished or interrupted run.
type Result struct {
	History History
	// BestEpoch is the epoch with the lowest validation loss.
	BestEpoch int
	// CheckpointEpoch is the last epoch that set a new validation accuracy
	// high, zero when none did.
	CheckpointEpoch int
	StoppedEarly    bool
	// Restored is set when the best-loss parameters were written back.
	Restored          bool
	FinalLearningRate float64
	Duration          time.Duration
}
