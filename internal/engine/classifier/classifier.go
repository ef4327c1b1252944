package classifier

import (
	"arpguard/internal/engine/features"
	"arpguard/internal/model"
	"fmt"
)

// DecisionBoundary separates the attack and benign labels.
const DecisionBoundary = 0.5

// ModelSource hands out the model currently serving inference.
type ModelSource interface {
	Load() *Model
}

// Prediction is the classifier output for one vector.
type Prediction struct {
	Label   model.Label
	Score   float64
	Version string
}

// Verdict converts p into the fusion input for the classifier module.
func (p Prediction) Verdict() model.Verdict {
	return model.Verdict{
		Module:     model.ModuleClassifier,
		Label:      p.Label,
		Confidence: p.Score,
		Reason:     fmt.Sprintf("classifier %s scored %.3f", p.Version, p.Score),
	}
}

// Classifier evaluates vectors against whatever model its source returns.
type Classifier struct {
	source ModelSource
}

func New(source ModelSource) *Classifier {
	return &Classifier{source: source}
}

// Predict scores a single vector.
func (c *Classifier) Predict(v features.Vector) Prediction {
	return predict(c.source.Load(), v)
}

// PredictBatch scores vectors against one model, even if a promotion lands
// part way through.
func (c *Classifier) PredictBatch(vs []features.Vector) []Prediction {
	m := c.source.Load()
	out := make([]Prediction, len(vs))
	for i, v := range vs {
		out[i] = predict(m, v)
	}
	return out
}

func predict(m *Model, v features.Vector) Prediction {
	score := m.Score(v)
	label := model.LabelBenign
	if score >= DecisionBoundary {
		label = model.LabelAttack
	}
	return Prediction{Label: label, Score: score, Version: m.Version}
}
