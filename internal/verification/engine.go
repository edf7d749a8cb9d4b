package verification

import (
	"context"
	"fmt"
	"math"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/imageloader"
)

const (
	DefaultConfidenceThreshold = 0.5
	DefaultSimilarityThreshold = 0.85
)

// Prober produces P(genuine) for a sample. Pin resolves the served model
// once; every Probability call of one request runs against that model.
type Prober interface {
	Pin() (*LoadedModel, error)
	Probability(ctx context.Context, m *LoadedModel, img imageloader.Image) (float64, error)
}

// Classification is the outcome for one image.
type Classification struct {
	Probability float64 `json:"probability"`
	Genuine     bool    `json:"genuine"`
	Label       string  `json:"prediction"`
	// Confidence is the probability as a percentage.
	Confidence float64 `json:"confidence"`
	Version    string  `json:"model_version"`
}

// Verdict is the result of comparing a test signature to a reference.
type Verdict struct {
	Match      bool           `json:"match"`
	Similarity float64        `json:"similarity"`
	Reference  Classification `json:"reference"`
	Test       Classification `json:"test"`
}

// Outcome is VERIFIED for a match and REJECTED otherwise.
func (v Verdict) Outcome() string {
	if v.Match {
		return "VERIFIED"
	}
	return "REJECTED"
}

// Options holds the decision thresholds.
type Options struct {
	ConfidenceThreshold float64
	SimilarityThreshold float64
}

// Engine classifies single images and verifies image pairs.
type Engine struct {
	prober  Prober
	decoder imageloader.Decoder
	opts    Options
}

// NewEngine builds an engine. decoder may be nil when only decoded images
// are passed in.
func NewEngine(prober Prober, decoder imageloader.Decoder, opts Options) (*Engine, error) {
	if opts.ConfidenceThreshold < 0 || opts.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be in [0,1], got %f", opts.ConfidenceThreshold)
	}
	if opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in [0,1], got %f", opts.SimilarityThreshold)
	}
	return &Engine{prober: prober, decoder: decoder, opts: opts}, nil
}

// Options returns the thresholds in use.
func (e *Engine) Options() Options { return e.opts }

// Classify labels one image genuine when its probability reaches the
// confidence threshold.
func (e *Engine) Classify(ctx context.Context, img imageloader.Image) (Classification, error) {
	m, err := e.prober.Pin()
	if err != nil {
		return Classification{}, err
	}
	return e.classify(ctx, m, img)
}

func (e *Engine) classify(ctx context.Context, m *LoadedModel, img imageloader.Image) (Classification, error) {
	p, err := e.prober.Probability(ctx, m, img)
	if err != nil {
		return Classification{}, err
	}
	c := Classification{
		Probability: p,
		Genuine:     p >= e.opts.ConfidenceThreshold,
		Confidence:  p * 100,
		Version:     m.Version,
	}
	c.Label = "FORGED"
	if c.Genuine {
		c.Label = "GENUINE"
	}
	return c, nil
}

// Verify classifies both images independently and reports a match only when
// both are genuine and their probabilities are closer than the similarity
// threshold allows. Both images are scored by the same model even when a
// reload lands in between.
func (e *Engine) Verify(ctx context.Context, reference, test imageloader.Image) (Verdict, error) {
	m, err := e.prober.Pin()
	if err != nil {
		return Verdict{}, err
	}
	ref, err := e.classify(ctx, m, reference)
	if err != nil {
		return Verdict{}, err
	}
	tst, err := e.classify(ctx, m, test)
	if err != nil {
		return Verdict{}, err
	}
	similarity := 1 - math.Abs(ref.Probability-tst.Probability)
	return Verdict{
		Match:      ref.Genuine && tst.Genuine && similarity > e.opts.SimilarityThreshold,
		Similarity: similarity,
		Reference:  ref,
		Test:       tst,
	}, nil
}

// ClassifyBytes decodes data and classifies it.
func (e *Engine) ClassifyBytes(ctx context.Context, data []byte) (Classification, error) {
	img, err := e.decode(data, "file")
	if err != nil {
		return Classification{}, err
	}
	return e.Classify(ctx, img)
}

// VerifyBytes decodes both inputs before any inference; either failing
// aborts with *apperrors.DecodeError.
func (e *Engine) VerifyBytes(ctx context.Context, reference, test []byte) (Verdict, error) {
	ref, err := e.decode(reference, "reference")
	if err != nil {
		return Verdict{}, err
	}
	tst, err := e.decode(test, "test")
	if err != nil {
		return Verdict{}, err
	}
	return e.Verify(ctx, ref, tst)
}

func (e *Engine) decode(data []byte, source string) (imageloader.Image, error) {
	if e.decoder == nil {
		return imageloader.Image{}, fmt.Errorf("engine has no decoder")
	}
	img, err := e.decoder.Decode(data)
	if err != nil {
		if de, ok := err.(*apperrors.DecodeError); ok && de.Source == "" {
			return imageloader.Image{}, &apperrors.DecodeError{Source: source, Err: de.Err}
		}
		return imageloader.Image{}, err
	}
	return img, nil
}
