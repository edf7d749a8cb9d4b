package model

import (
	"fmt"
	"math"
)

// Optimizer updates parameter slices in place from matching gradient slices.
// The slice order must be stable across calls.
type Optimizer interface {
	Name() string
	LearningRate() float64
	SetLearningRate(lr float64)
	Step(params, grads [][]float64)
}

// NewOptimizer builds the optimizer named kind ("adam" or "sgd").
func NewOptimizer(kind string, lr float64) (Optimizer, error) {
	switch kind {
	case "adam":
		return NewAdam(lr), nil
	case "sgd":
		return &SGD{lr: lr}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

// SGD is plain gradient descent.
type SGD struct {
	lr float64
}

func (s *SGD) Name() string               { return "sgd" }
func (s *SGD) LearningRate() float64      { return s.lr }
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

func (s *SGD) Step(params, grads [][]float64) {
	for i, p := range params {
		g := grads[i]
		for j := range p {
			p[j] -= s.lr * g[j]
		}
	}
}

// Adam keeps per-parameter first and second moment estimates.
type Adam struct {
	lr      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	t int
	m [][]float64
	v [][]float64
}

// NewAdam returns Adam with beta1 0.9, beta2 0.999 and epsilon 1e-7.
func NewAdam(lr float64) *Adam {
	return &Adam{lr: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

func (a *Adam) Name() string               { return "adam" }
func (a *Adam) LearningRate() float64      { return a.lr }
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

func (a *Adam) Step(params, grads [][]float64) {
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p))
			a.v[i] = make([]float64, len(p))
		}
	}
	a.t++
	t := float64(a.t)
	alpha := a.lr * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for i, p := range params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for j := range p {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			p[j] -= alpha * m[j] / (math.Sqrt(v[j]) + a.Epsilon)
		}
	}
}
