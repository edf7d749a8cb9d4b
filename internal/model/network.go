package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/example/sigverify/internal/imageloader"
)

// Architecture fixes the topology of a Network.
type Architecture struct {
	InputSize        int        `json:"input_size"`
	ImageSize        int        `json:"image_size"`
	Hidden           []int      `json:"hidden"`
	HiddenActivation Activation `json:"hidden_activation"`
	OutputActivation Activation `json:"output_activation"`
}

// DefaultArchitecture is flatten(128x128x1) -> 256 -> 128 -> 64 -> 1.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputSize:        imageloader.DefaultSize * imageloader.DefaultSize,
		ImageSize:        imageloader.DefaultSize,
		Hidden:           []int{256, 128, 64},
		HiddenActivation: ReLU,
		OutputActivation: Sigmoid,
	}
}

func (a Architecture) validate() error {
	if a.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", a.InputSize)
	}
	if a.ImageSize > 0 && a.ImageSize*a.ImageSize != a.InputSize {
		return fmt.Errorf("image size %d does not match input size %d", a.ImageSize, a.InputSize)
	}
	if len(a.Hidden) == 0 {
		return errors.New("at least one hidden layer required")
	}
	for i, w := range a.Hidden {
		if w <= 0 {
			return fmt.Errorf("hidden layer %d width must be positive, got %d", i, w)
		}
	}
	if _, err := ParseActivation(string(a.HiddenActivation)); err != nil {
		return err
	}
	if a.OutputActivation != Sigmoid {
		return fmt.Errorf("output activation must be sigmoid for binary cross-entropy, got %q", a.OutputActivation)
	}
	return nil
}

// Layer is a dense layer: y = act(x*W + b), W is in x out.
type Layer struct {
	Weights    *mat.Dense
	Biases     []float64
	Activation Activation
}

// Network is a feed-forward binary classifier. Inference methods allocate
// their own buffers and may run concurrently; parameter updates must not
// overlap with them.
type Network struct {
	arch   Architecture
	layers []*Layer
}

// New builds a network with Glorot-uniform weights drawn from seed and zero
// biases.
func New(arch Architecture, seed int64) (*Network, error) {
	if err := arch.validate(); err != nil {
		return nil, err
	}
	arch.Hidden = append([]int(nil), arch.Hidden...)
	rng := rand.New(rand.NewSource(seed))

	widths := append(append([]int{arch.InputSize}, arch.Hidden...), 1)
	n := &Network{arch: arch}
	for i := 1; i < len(widths); i++ {
		in, out := widths[i-1], widths[i]
		limit := math.Sqrt(6 / float64(in+out))
		data := make([]float64, in*out)
		for j := range data {
			data[j] = (rng.Float64()*2 - 1) * limit
		}
		act := arch.HiddenActivation
		if i == len(widths)-1 {
			act = arch.OutputActivation
		}
		n.layers = append(n.layers, &Layer{
			Weights:    mat.NewDense(in, out, data),
			Biases:     make([]float64, out),
			Activation: act,
		})
	}
	return n, nil
}

// Architecture returns a copy of the network topology.
func (n *Network) Architecture() Architecture {
	a := n.arch
	a.Hidden = append([]int(nil), n.arch.Hidden...)
	return a
}

// Layers exposes the dense layers in input-to-output order.
func (n *Network) Layers() []*Layer { return n.layers }

// ParamCount is the number of trainable scalars.
func (n *Network) ParamCount() int {
	total := 0
	for _, l := range n.layers {
		r, c := l.Weights.Dims()
		total += r*c + len(l.Biases)
	}
	return total
}

// Classify returns P(genuine) for img.
func (n *Network) Classify(img imageloader.Image) (float64, error) {
	return n.Predict(img.Pixels)
}

// Predict returns the output probability for one flattened input.
func (n *Network) Predict(x []float64) (float64, error) {
	if len(x) != n.arch.InputSize {
		return 0, fmt.Errorf("input has %d values, network expects %d", len(x), n.arch.InputSize)
	}
	in := mat.NewDense(1, len(x), append([]float64(nil), x...))
	_, acts := n.forward(in)
	return acts[len(acts)-1].At(0, 0), nil
}

// PredictBatch returns one probability per row of x.
func (n *Network) PredictBatch(x *mat.Dense) []float64 {
	_, acts := n.forward(x)
	out := acts[len(acts)-1]
	rows, _ := out.Dims()
	probs := make([]float64, rows)
	for i := range probs {
		probs[i] = out.At(i, 0)
	}
	return probs
}

// forward returns the pre-activations and activations of every layer;
// acts[0] is the input itself.
func (n *Network) forward(x *mat.Dense) (pre, acts []*mat.Dense) {
	acts = append(acts, x)
	cur := x
	for _, l := range n.layers {
		rows, _ := cur.Dims()
		_, out := l.Weights.Dims()
		z := mat.NewDense(rows, out, nil)
		z.Mul(cur, l.Weights)
		a := mat.NewDense(rows, out, nil)
		for i := 0; i < rows; i++ {
			zr := z.RawRowView(i)
			ar := a.RawRowView(i)
			for j := range zr {
				zr[j] += l.Biases[j]
				ar[j] = l.Activation.apply(zr[j])
			}
		}
		pre = append(pre, z)
		acts = append(acts, a)
		cur = a
	}
	return pre, acts
}

// Gradient holds the loss gradient of one layer.
type Gradient struct {
	Weights *mat.Dense
	Biases  []float64
}

// Backprop runs a forward and backward pass of mean binary cross-entropy
// over the batch x with targets y. It returns the probabilities and the
// per-layer gradients without touching the parameters.
func (n *Network) Backprop(x *mat.Dense, y []float64) ([]float64, []Gradient) {
	pre, acts := n.forward(x)
	rows, _ := x.Dims()
	out := acts[len(acts)-1]

	probs := make([]float64, rows)
	delta := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		p := out.At(i, 0)
		probs[i] = p
		delta.Set(i, 0, (p-y[i])/float64(rows))
	}

	grads := make([]Gradient, len(n.layers))
	for li := len(n.layers) - 1; li >= 0; li-- {
		layer := n.layers[li]
		in := acts[li]
		_, inCols := in.Dims()
		_, outCols := delta.Dims()

		gw := mat.NewDense(inCols, outCols, nil)
		gw.Mul(in.T(), delta)
		gb := make([]float64, outCols)
		for i := 0; i < rows; i++ {
			for j, v := range delta.RawRowView(i) {
				gb[j] += v
			}
		}
		grads[li] = Gradient{Weights: gw, Biases: gb}

		if li == 0 {
			break
		}
		prev := mat.NewDense(rows, inCols, nil)
		prev.Mul(delta, layer.Weights.T())
		below := n.layers[li-1]
		for i := 0; i < rows; i++ {
			pr := prev.RawRowView(i)
			zr := pre[li-1].RawRowView(i)
			ar := acts[li].RawRowView(i)
			for j := range pr {
				pr[j] *= below.Activation.derivative(zr[j], ar[j])
			}
		}
		delta = prev
	}
	return probs, grads
}

// Apply hands the parameters and their gradients to opt for one update.
func (n *Network) Apply(opt Optimizer, grads []Gradient) {
	params := make([][]float64, 0, 2*len(n.layers))
	flat := make([][]float64, 0, 2*len(n.layers))
	for i, l := range n.layers {
		params = append(params, l.Weights.RawMatrix().Data, l.Biases)
		flat = append(flat, grads[i].Weights.RawMatrix().Data, grads[i].Biases)
	}
	opt.Step(params, flat)
}

// Summary renders a layer table with parameter counts.
func (n *Network) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-12s %-10s %s\n", "layer", "shape", "activation", "params")
	fmt.Fprintf(&b, "%-16s %-12s %-10s %d\n", "flatten", fmt.Sprintf("(%d)", n.arch.InputSize), "-", 0)
	for i, l := range n.layers {
		r, c := l.Weights.Dims()
		name := fmt.Sprintf("hidden_layer_%d", i+1)
		if i == len(n.layers)-1 {
			name = "output"
		}
		fmt.Fprintf(&b, "%-16s %-12s %-10s %d\n", name, fmt.Sprintf("(%d)", c), l.Activation, r*c+c)
	}
	fmt.Fprintf(&b, "total params: %d (%.2f MB as float32)\n", n.ParamCount(), float64(n.ParamCount()*4)/(1024*1024))
	return b.String()
}
