package ai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// OnlineLR is an online logistic-regression scorer updated by
// stochastic gradient ascent on the log-likelihood, one sample at a
// time. Weight math is plain float64; gonum is used for the vector
// dot-product so the scorer shares its stack with the syncer's
// correlation math.
type OnlineLR struct {
	featureOrder []string
	weights      []float64
	bias         float64
	learningRate float64
}

const defaultLearningRate = 0.01

// NewOnlineLR constructs a fresh OnlineLR with zero weights for the
// given feature ordering; featureOrder must be stable across the
// lifetime of one model row since weights are positional.
func NewOnlineLR(featureOrder []string) *OnlineLR {
	return &OnlineLR{
		featureOrder: featureOrder,
		weights:      make([]float64, len(featureOrder)),
		learningRate: defaultLearningRate,
	}
}

func (m *OnlineLR) Impl() string { return ImplOnlineLR }

func (m *OnlineLR) vectorize(features map[string]float64) []float64 {
	v := make([]float64, len(m.featureOrder))
	for i, name := range m.featureOrder {
		v[i] = features[name]
	}
	return v
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Score returns 100*sigmoid(w.x + b), matching the 0-100 scale used
// elsewhere in the strategy core (e.g. AI_SCORE_MIN).
func (m *OnlineLR) Score(_ context.Context, features map[string]float64) (float64, error) {
	x := m.vectorize(features)
	z := floats.Dot(m.weights, x) + m.bias
	return 100 * sigmoid(z), nil
}

// PartialFit takes one gradient-ascent step on the log-likelihood of
// label given features.
func (m *OnlineLR) PartialFit(_ context.Context, features map[string]float64, label float64) error {
	x := m.vectorize(features)
	z := floats.Dot(m.weights, x) + m.bias
	pred := sigmoid(z)
	err := label - pred

	for i := range m.weights {
		m.weights[i] += m.learningRate * err * x[i]
	}
	m.bias += m.learningRate * err
	return nil
}

// Serialize encodes bias, learning rate, and weights as little-endian
// float64s, feature count first.
func (m *OnlineLR) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int64(len(m.weights))); err != nil {
		return nil, fmt.Errorf("serialize weight count: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, m.bias); err != nil {
		return nil, fmt.Errorf("serialize bias: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, m.learningRate); err != nil {
		return nil, fmt.Errorf("serialize learning rate: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, m.weights); err != nil {
		return nil, fmt.Errorf("serialize weights: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize restores state from a Serialize blob. The feature count
// must match len(m.featureOrder).
func (m *OnlineLR) Deserialize(blob []byte) error {
	buf := bytes.NewReader(blob)
	var n int64
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("deserialize weight count: %w", err)
	}
	if int(n) != len(m.featureOrder) {
		return fmt.Errorf("deserialize: weight count %d does not match feature order length %d", n, len(m.featureOrder))
	}
	if err := binary.Read(buf, binary.LittleEndian, &m.bias); err != nil {
		return fmt.Errorf("deserialize bias: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &m.learningRate); err != nil {
		return fmt.Errorf("deserialize learning rate: %w", err)
	}
	weights := make([]float64, n)
	if err := binary.Read(buf, binary.LittleEndian, weights); err != nil {
		return fmt.Errorf("deserialize weights: %w", err)
	}
	m.weights = weights
	return nil
}
