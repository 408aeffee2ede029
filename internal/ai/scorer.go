// Package ai provides the abstract scorer interface and its two
// interchangeable implementations.
// Selection is driven by the stored model row's impl tag, falling back
// to AI_MODEL_IMPL config.
package ai

import "context"

// Scorer is the abstract AI interface the strategy core depends on.
// Every implementation must be safe for a single goroutine at a time;
// callers serialize access via the symbol lock.
type Scorer interface {
	// Score returns a 0-100 probability-like score for features.
	Score(ctx context.Context, features map[string]float64) (float64, error)
	// PartialFit performs one online update given the realized label
	// (1.0 for a profitable trade, 0.0 otherwise).
	PartialFit(ctx context.Context, features map[string]float64, label float64) error
	// Serialize returns a binary snapshot of the model's weights.
	Serialize() ([]byte, error)
	// Deserialize restores state from a snapshot produced by Serialize.
	Deserialize(blob []byte) error
	// Impl returns this scorer's implementation tag, matching the
	// ai_models.impl column.
	Impl() string
}

// Implementation tags recorded in ai_models.impl.
const (
	ImplOnlineLR   = "online_lr"
	ImplSGDCompat  = "sgd_compat"
)

// New constructs the Scorer named by impl, defaulting to online_lr for
// an unrecognized tag.
func New(impl string, featureOrder []string) Scorer {
	switch impl {
	case ImplSGDCompat:
		return NewSGDCompat(featureOrder)
	default:
		return NewOnlineLR(featureOrder)
	}
}
