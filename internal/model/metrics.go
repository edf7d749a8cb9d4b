package model

import "math"

const (
	// DecisionThreshold separates hard predictions in loss/metric reporting:
	// a probability strictly above it counts as genuine.
	DecisionThreshold = 0.5

	probEpsilon = 1e-7
)

// BinaryCrossEntropy is the loss of one prediction, with p clipped away
// from 0 and 1.
func BinaryCrossEntropy(p, y float64) float64 {
	p = math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// BinaryMetrics accumulates loss and confusion counts over predictions.
type BinaryMetrics struct {
	TP, FP, TN, FN int
	lossSum        float64
}

// Add records one prediction p for target y (1 genuine, 0 forged).
func (b *BinaryMetrics) Add(p, y float64) {
	b.lossSum += BinaryCrossEntropy(p, y)
	predicted := p > DecisionThreshold
	actual := y >= 0.5
	switch {
	case predicted && actual:
		b.TP++
	case predicted && !actual:
		b.FP++
	case !predicted && actual:
		b.FN++
	default:
		b.TN++
	}
}

// Count is the number of predictions recorded.
func (b *BinaryMetrics) Count() int { return b.TP + b.FP + b.TN + b.FN }

// Loss is the mean cross-entropy.
func (b *BinaryMetrics) Loss() float64 {
	if b.Count() == 0 {
		return 0
	}
	return b.lossSum / float64(b.Count())
}

func (b *BinaryMetrics) Accuracy() float64 {
	if b.Count() == 0 {
		return 0
	}
	return float64(b.TP+b.TN) / float64(b.Count())
}

// Precision is 0 when nothing was predicted genuine.
func (b *BinaryMetrics) Precision() float64 {
	if b.TP+b.FP == 0 {
		return 0
	}
	return float64(b.TP) / float64(b.TP+b.FP)
}

// Recall is 0 when there were no genuine targets.
func (b *BinaryMetrics) Recall() float64 {
	if b.TP+b.FN == 0 {
		return 0
	}
	return float64(b.TP) / float64(b.TP+b.FN)
}
