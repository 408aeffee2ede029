package ai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// SGDCompat is a second, independent scorer implementation kept
// interchangeable with OnlineLR via the Scorer interface. It differs from OnlineLR in its update rule: plain
// mini-batch-of-one SGD with L2 weight decay rather than pure gradient
// ascent, so a model published under this tag is not numerically
// identical to one published under online_lr even given the same
// training stream.
type SGDCompat struct {
	featureOrder []string
	weights      []float64
	bias         float64
	learningRate float64
	l2           float64
}

const (
	sgdCompatLearningRate = 0.02
	sgdCompatL2           = 0.0005
)

// NewSGDCompat constructs a fresh SGDCompat with zero weights.
func NewSGDCompat(featureOrder []string) *SGDCompat {
	return &SGDCompat{
		featureOrder: featureOrder,
		weights:      make([]float64, len(featureOrder)),
		learningRate: sgdCompatLearningRate,
		l2:           sgdCompatL2,
	}
}

func (m *SGDCompat) Impl() string { return ImplSGDCompat }

func (m *SGDCompat) vectorize(features map[string]float64) []float64 {
	v := make([]float64, len(m.featureOrder))
	for i, name := range m.featureOrder {
		v[i] = features[name]
	}
	return v
}

func (m *SGDCompat) predict(x []float64) float64 {
	var z float64
	for i := range m.weights {
		z += m.weights[i] * x[i]
	}
	z += m.bias
	return 1 / (1 + math.Exp(-z))
}

// Score returns 100*predict(x).
func (m *SGDCompat) Score(_ context.Context, features map[string]float64) (float64, error) {
	x := m.vectorize(features)
	return 100 * m.predict(x), nil
}

// PartialFit applies one SGD step with L2 weight decay toward label.
func (m *SGDCompat) PartialFit(_ context.Context, features map[string]float64, label float64) error {
	x := m.vectorize(features)
	pred := m.predict(x)
	err := label - pred

	for i := range m.weights {
		grad := err*x[i] - m.l2*m.weights[i]
		m.weights[i] += m.learningRate * grad
	}
	m.bias += m.learningRate * err
	return nil
}

// Serialize encodes bias, hyperparameters, and weights as
// little-endian float64s, feature count first.
func (m *SGDCompat) Serialize() ([]byte, error) {
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
	if err := binary.Write(buf, binary.LittleEndian, m.l2); err != nil {
		return nil, fmt.Errorf("serialize l2: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, m.weights); err != nil {
		return nil, fmt.Errorf("serialize weights: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize restores state from a Serialize blob.
func (m *SGDCompat) Deserialize(blob []byte) error {
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
	if err := binary.Read(buf, binary.LittleEndian, &m.l2); err != nil {
		return fmt.Errorf("deserialize l2: %w", err)
	}
	weights := make([]float64, n)
	if err := binary.Read(buf, binary.LittleEndian, weights); err != nil {
		return fmt.Errorf("deserialize weights: %w", err)
	}
	m.weights = weights
	return nil
}
