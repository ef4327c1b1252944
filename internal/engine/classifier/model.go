// Package classifier scores feature vectors with a logistic regression model
// and trains new versions of it for the learning loop.
package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
)

// Model is a logistic regression over the detection feature vector. A Model
// reachable from a ModelSource is never mutated; training works on a Clone.
type Model struct {
	Version  string    `json:"version,omitempty"`
	Features []string  `json:"features"`
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
}

// Score returns P(attack | x).
func (m *Model) Score(x []float64) float64 {
	return sigmoid(m.logit(x))
}

func (m *Model) logit(x []float64) float64 {
	z := m.Bias
	n := min(len(x), len(m.Weights))
	for i := 0; i < n; i++ {
		z += m.Weights[i] * x[i]
	}
	return z
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Clone returns a deep copy.
func (m *Model) Clone() *Model {
	return &Model{
		Version:  m.Version,
		Features: slices.Clone(m.Features),
		Weights:  slices.Clone(m.Weights),
		Bias:     m.Bias,
	}
}

// Equal reports whether both models would score every input identically.
func (m *Model) Equal(o *Model) bool {
	return m.Bias == o.Bias && slices.Equal(m.Weights, o.Weights)
}

// Validate checks the model is usable with the given feature layout.
func (m *Model) Validate(names []string) error {
	if len(names) > 0 && len(m.Weights) != len(names) {
		return fmt.Errorf("model has %d weights, feature vector has %d", len(m.Weights), len(names))
	}
	if len(m.Features) > 0 && !slices.Equal(m.Features, names) {
		return fmt.Errorf("model feature layout %v does not match %v", m.Features, names)
	}
	for i, w := range m.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %d is not finite", i)
		}
	}
	if math.IsNaN(m.Bias) || math.IsInf(m.Bias, 0) {
		return fmt.Errorf("bias is not finite")
	}
	return nil
}

// Compatible checks that m can replace o: same number of weights, all finite.
func (m *Model) Compatible(o *Model) error {
	if len(m.Weights) != len(o.Weights) {
		return fmt.Errorf("model has %d weights, expected %d", len(m.Weights), len(o.Weights))
	}
	return m.Validate(m.Features)
}

// LoadModel reads a JSON model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model file %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the model as JSON.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
