package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LayerParams is a detached copy of one layer's weights (row-major) and biases.
type LayerParams struct {
	Rows    int
	Cols    int
	Weights []float64
	Biases  []float64
}

// Parameters is a detached copy of every layer's parameters.
type Parameters struct {
	Layers []LayerParams
}

// Parameters snapshots the current weights. Later training does not affect
// the returned value.
func (n *Network) Parameters() Parameters {
	p := Parameters{Layers: make([]LayerParams, len(n.layers))}
	for i, l := range n.layers {
		r, c := l.Weights.Dims()
		p.Layers[i] = LayerParams{
			Rows:    r,
			Cols:    c,
			Weights: append([]float64(nil), l.Weights.RawMatrix().Data...),
			Biases:  append([]float64(nil), l.Biases...),
		}
	}
	return p
}

// SetParameters overwrites the weights with p, which must match the topology.
func (n *Network) SetParameters(p Parameters) error {
	if len(p.Layers) != len(n.layers) {
		return fmt.Errorf("parameter set has %d layers, network has %d", len(p.Layers), len(n.layers))
	}
	for i, l := range n.layers {
		r, c := l.Weights.Dims()
		lp := p.Layers[i]
		if lp.Rows != r || lp.Cols != c || len(lp.Weights) != r*c || len(lp.Biases) != c {
			return fmt.Errorf("layer %d shape mismatch: have %dx%d, got %dx%d", i, r, c, lp.Rows, lp.Cols)
		}
	}
	for i, l := range n.layers {
		copy(l.Weights.RawMatrix().Data, p.Layers[i].Weights)
		copy(l.Biases, p.Layers[i].Biases)
	}
	return nil
}

// FromParameters rebuilds a network from a topology and saved parameters.
func FromParameters(arch Architecture, p Parameters) (*Network, error) {
	if err := arch.validate(); err != nil {
		return nil, err
	}
	widths := append(append([]int{arch.InputSize}, arch.Hidden...), 1)
	if len(p.Layers) != len(widths)-1 {
		return nil, fmt.Errorf("parameter set has %d layers, architecture needs %d", len(p.Layers), len(widths)-1)
	}
	n := &Network{arch: arch}
	n.arch.Hidden = append([]int(nil), arch.Hidden...)
	for i := 1; i < len(widths); i++ {
		act := arch.HiddenActivation
		if i == len(widths)-1 {
			act = arch.OutputActivation
		}
		n.layers = append(n.layers, &Layer{
			Weights:    mat.NewDense(widths[i-1], widths[i], make([]float64, widths[i-1]*widths[i])),
			Biases:     make([]float64, widths[i]),
			Activation: act,
		})
	}
	if err := n.SetParameters(p); err != nil {
		return nil, err
	}
	return n, nil
}

// Clone returns an independent copy of the network.
func (n *Network) Clone() *Network {
	c, err := FromParameters(n.arch, n.Parameters())
	if err != nil {
		panic(fmt.Sprintf("clone of valid network failed: %v", err))
	}
	return c
}
