package evaluation

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/example/sigverify/internal/dataset"
	"github.com/example/sigverify/internal/model"
)

// Classifier is the read-only view of a model the evaluator needs.
type Classifier interface {
	PredictBatch(x *mat.Dense) []float64
}

// Report summarizes a model's performance on a labeled split.
type Report struct {
	Loss      float64
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
	// Confusion rows are actual {forged, genuine}, columns predicted
	// {forged, genuine}.
	Confusion [2][2]int
	// Support counts samples per actual class, indexed by dataset.Label.
	Support [2]int
}

// Total is the number of evaluated samples.
func (r Report) Total() int {
	return r.Confusion[0][0] + r.Confusion[0][1] + r.Confusion[1][0] + r.Confusion[1][1]
}

// Evaluate runs net over samples and reports loss, rates and the confusion
// matrix. A probability strictly above 0.5 counts as a genuine prediction.
func Evaluate(net Classifier, samples []dataset.Sample) (Report, error) {
	if len(samples) == 0 {
		return Report{}, errors.New("no samples to evaluate")
	}
	inputs := make([][]float64, len(samples))
	for i, s := range samples {
		inputs[i] = s.Image.Pixels
	}
	probs := net.PredictBatch(model.Stack(inputs))

	var m model.BinaryMetrics
	var r Report
	for i, p := range probs {
		actual := samples[i].Label
		m.Add(p, float64(actual))
		predicted := dataset.Forged
		if p > model.DecisionThreshold {
			predicted = dataset.Genuine
		}
		r.Confusion[actual][predicted]++
		r.Support[actual]++
	}
	r.Loss = m.Loss()
	r.Accuracy = m.Accuracy()
	r.Precision = m.Precision()
	r.Recall = m.Recall()
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	return r, nil
}

// Summary renders the report as a plain text table.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "samples:   %d (genuine %d, forged %d)\n", r.Total(), r.Support[dataset.Genuine], r.Support[dataset.Forged])
	fmt.Fprintf(&b, "loss:      %.4f\n", r.Loss)
	fmt.Fprintf(&b, "accuracy:  %.4f\n", r.Accuracy)
	fmt.Fprintf(&b, "precision: %.4f\n", r.Precision)
	fmt.Fprintf(&b, "recall:    %.4f\n", r.Recall)
	fmt.Fprintf(&b, "f1:        %.4f\n", r.F1)
	b.WriteString("confusion matrix (rows actual, columns predicted):\n")
	fmt.Fprintf(&b, "%-10s %8s %8s\n", "", "FORGED", "GENUINE")
	fmt.Fprintf(&b, "%-10s %8d %8d\n", "FORGED", r.Confusion[0][0], r.Confusion[0][1])
	fmt.Fprintf(&b, "%-10s %8d %8d\n", "GENUINE", r.Confusion[1][0], r.Confusion[1][1])
	return b.String()
}
