package evaluation

import (
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/example/sigverify/internal/dataset"
	"github.com/example/sigverify/internal/imageloader"
	"github.com/example/sigverify/internal/model"
)

type fixedClassifier struct {
	probs []float64
}

func (f fixedClassifier) PredictBatch(x *mat.Dense) []float64 {
	rows, _ := x.Dims()
	return append([]float64(nil), f.probs[:rows]...)
}

func samples(labels ...dataset.Label) []dataset.Sample {
	out := make([]dataset.Sample, len(labels))
	for i, l := range labels {
		out[i] = dataset.Sample{Image: imageloader.Image{Size: 2, Pixels: []float64{0, 0, 0, 0}}, Label: l}
	}
	return out
}

func TestEvaluateConfusionMatrix(t *testing.T) {
	g, f := dataset.Genuine, dataset.Forged
	set := samples(g, g, g, f, f, f)
	probs := []float64{0.9, 0.7, 0.5, 0.2, 0.51, 0.1}

	r, err := Evaluate(fixedClassifier{probs: probs}, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [2][2]int{{2, 1}, {1, 2}}
	if r.Confusion != want {
		t.Fatalf("confusion %v, want %v", r.Confusion, want)
	}
	if r.Total() != len(set) {
		t.Fatalf("confusion total %d, want %d", r.Total(), len(set))
	}
	if r.Support != [2]int{3, 3} {
		t.Fatalf("unexpected support %v", r.Support)
	}

	var m model.BinaryMetrics
	for i, p := range probs {
		m.Add(p, float64(set[i].Label))
	}
	if r.Precision != m.Precision() || r.Recall != m.Recall() || r.Accuracy != m.Accuracy() {
		t.Fatalf("report rates diverge from training metrics: %+v", r)
	}
	if math.Abs(r.Loss-m.Loss()) > 1e-12 {
		t.Fatalf("loss %f, want %f", r.Loss, m.Loss())
	}
	if math.Abs(r.F1-2.0/3.0) > 1e-12 {
		t.Fatalf("f1 %f, want 0.6667", r.F1)
	}
}

func TestEvaluateWithRealNetworkDoesNotMutate(t *testing.T) {
	net, err := model.New(model.Architecture{InputSize: 4, ImageSize: 2, Hidden: []int{3}, HiddenActivation: model.ReLU, OutputActivation: model.Sigmoid}, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := net.Parameters()
	if _, err := Evaluate(net, samples(dataset.Genuine, dataset.Forged)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := net.Parameters()
	for i := range before.Layers {
		for j, w := range before.Layers[i].Weights {
			if after.Layers[i].Weights[j] != w {
				t.Fatal("evaluation changed network weights")
			}
		}
	}
}

func TestEvaluateEmpty(t *testing.T) {
	if _, err := Evaluate(fixedClassifier{}, nil); err == nil {
		t.Fatal("expected error for empty sample set")
	}
}

func TestSummaryMentionsMatrix(t *testing.T) {
	r := Report{Confusion: [2][2]int{{4, 1}, {2, 3}}, Support: [2]int{5, 5}}
	s := r.Summary()
	for _, want := range []string{"samples:   10", "FORGED", "GENUINE", "f1:"} {
		if !strings.Contains(s, want) {
			t.Fatalf("summary missing %q:\n%s", want, s)
		}
	}
}
