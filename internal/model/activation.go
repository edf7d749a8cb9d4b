package model

import (
	"fmt"
	"math"
)

// Activation names a layer nonlinearity.
type Activation string

const (
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
	Tanh    Activation = "tanh"
)

// ParseActivation validates an activation name.
func ParseActivation(name string) (Activation, error) {
	switch a := Activation(name); a {
	case ReLU, Sigmoid, Tanh:
		return a, nil
	default:
		return "", fmt.Errorf("unknown activation %q", name)
	}
}

func (a Activation) apply(z float64) float64 {
	switch a {
	case ReLU:
		if z > 0 {
			return z
		}
		return 0
	case Sigmoid:
		return sigmoid(z)
	case Tanh:
		return math.Tanh(z)
	}
	return z
}

// derivative is expressed through the pre-activation z and output y.
func (a Activation) derivative(z, y float64) float64 {
	switch a {
	case ReLU:
		if z > 0 {
			return 1
		}
		return 0
	case Sigmoid:
		return y * (1 - y)
	case Tanh:
		return 1 - y*y
	}
	return 1
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
