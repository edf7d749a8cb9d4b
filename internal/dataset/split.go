package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrSplitTooSmall is returned when a split would leave a partition empty.
var ErrSplitTooSmall = errors.New("dataset too small to split")

// Ratios are the train/validation/test fractions; they must sum to 1.
type Ratios struct {
	Train      float64
	Validation float64
	Test       float64
}

// Splits holds the three disjoint partitions and the dataset indices each
// one was drawn from.
type Splits struct {
	Train      []Sample
	Validation []Sample
	Test       []Sample

	TrainIndex      []int
	ValidationIndex []int
	TestIndex       []int
}

// Split partitions ds in two stratified stages: train against the
// validation+test remainder, then the remainder in half by the
// validation:test ratio. Each stage draws from a source seeded with seed, so
// equal inputs always give equal assignments.
func Split(ds *Dataset, r Ratios, seed int64) (*Splits, error) {
	if r.Train <= 0 || r.Validation <= 0 || r.Test <= 0 {
		return nil, fmt.Errorf("split ratios must be positive: %+v", r)
	}
	if math.Abs(r.Train+r.Validation+r.Test-1) > 1e-6 {
		return nil, fmt.Errorf("split ratios must sum to 1: %+v", r)
	}
	labels := ds.Labels()
	all := make([]int, len(labels))
	for i := range all {
		all[i] = i
	}

	holdout := r.Validation + r.Test
	trainIdx, restIdx, err := stratifiedSplit(labels, all, holdout, seed)
	if err != nil {
		return nil, fmt.Errorf("train/holdout split: %w", err)
	}
	valIdx, testIdx, err := stratifiedSplit(labels, restIdx, r.Test/holdout, seed)
	if err != nil {
		return nil, fmt.Errorf("validation/test split: %w", err)
	}

	return &Splits{
		Train:           pick(ds.Samples, trainIdx),
		Validation:      pick(ds.Samples, valIdx),
		Test:            pick(ds.Samples, testIdx),
		TrainIndex:      trainIdx,
		ValidationIndex: valIdx,
		TestIndex:       testIdx,
	}, nil
}

// stratifiedSplit divides idx into a kept part and a held-out part of
// ceil(testFrac*len(idx)) samples. Each class contributes to the held-out
// part in proportion to its share, with the leftover sample going to the
// class with the larger fractional share.
func stratifiedSplit(labels []Label, idx []int, testFrac float64, seed int64) (keep, held []int, err error) {
	n := len(idx)
	nHeld := int(math.Ceil(testFrac*float64(n) - 1e-9))
	if nHeld <= 0 || nHeld >= n {
		return nil, nil, fmt.Errorf("%w: %d samples, %d held out", ErrSplitTooSmall, n, nHeld)
	}

	byClass := [2][]int{}
	for _, i := range idx {
		c := 0
		if labels[i] == Genuine {
			c = 1
		}
		byClass[c] = append(byClass[c], i)
	}

	var quota [2]int
	var frac [2]float64
	assigned := 0
	for c := range byClass {
		share := float64(nHeld) * float64(len(byClass[c])) / float64(n)
		quota[c] = int(math.Floor(share))
		frac[c] = share - float64(quota[c])
		assigned += quota[c]
	}
	for assigned < nHeld {
		c := 0
		if frac[1] > frac[0] || (frac[1] == frac[0] && len(byClass[1]) > len(byClass[0])) {
			c = 1
		}
		if quota[c] >= len(byClass[c]) {
			c = 1 - c
		}
		quota[c]++
		frac[c] = -1
		assigned++
	}

	rng := rand.New(rand.NewSource(seed))
	for c := range byClass {
		members := append([]int(nil), byClass[c]...)
		rng.Shuffle(len(members), func(a, b int) { members[a], members[b] = members[b], members[a] })
		held = append(held, members[:quota[c]]...)
		keep = append(keep, members[quota[c]:]...)
	}
	rng.Shuffle(len(keep), func(a, b int) { keep[a], keep[b] = keep[b], keep[a] })
	rng.Shuffle(len(held), func(a, b int) { held[a], held[b] = held[b], held[a] })

	if len(keep) == 0 || len(held) == 0 {
		return nil, nil, ErrSplitTooSmall
	}
	return keep, held, nil
}

func pick(samples []Sample, idx []int) []Sample {
	out := make([]Sample, len(idx))
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}
