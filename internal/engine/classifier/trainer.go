package classifier

import (
	"arpguard/internal/model"
	"context"
	"fmt"
	"math"
	"math/rand"
)

// Sample is one labeled feature vector.
type Sample struct {
	Features []float64
	Label    model.Label
}

// TrainingError aborts a training run.
type TrainingError struct {
	Epoch  int
	Reason string
	Err    error
}

func (e *TrainingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("training failed in epoch %d: %s: %v", e.Epoch, e.Reason, e.Err)
	}
	return fmt.Sprintf("training failed in epoch %d: %s", e.Epoch, e.Reason)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// DefaultWeightDecay is the L2 coefficient applied when Trainer.WeightDecay is zero.
const DefaultWeightDecay = 1e-4

// Trainer runs mini-batch gradient descent on binary cross-entropy.
type Trainer struct {
	LearningRate float64
	Epochs       int
	BatchSize    int
	WeightDecay  float64
	// Seed fixes the shuffling order; zero means no shuffling.
	Seed int64
}

// TrainResult summarizes a run.
type TrainResult struct {
	Epochs    int
	Samples   int
	FinalLoss float64
}

// Train updates m in place. m must not be reachable by inference.
func (t *Trainer) Train(ctx context.Context, m *Model, samples []Sample) (TrainResult, error) {
	res := TrainResult{Samples: len(samples)}
	if len(samples) == 0 {
		return res, &TrainingError{Reason: "no samples"}
	}
	batch := t.BatchSize
	if batch <= 0 {
		batch = len(samples)
	}
	decay := t.WeightDecay
	if decay == 0 {
		decay = DefaultWeightDecay
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	var rng *rand.Rand
	if t.Seed != 0 {
		rng = rand.New(rand.NewSource(t.Seed))
	}

	grad := make([]float64, len(m.Weights))
	for epoch := 1; epoch <= t.Epochs; epoch++ {
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		var epochLoss float64
		for start := 0; start < len(order); start += batch {
			if err := ctx.Err(); err != nil {
				return res, &TrainingError{Epoch: epoch, Reason: "cancelled", Err: err}
			}
			end := min(start+batch, len(order))

			clear(grad)
			var gradBias float64
			for _, idx := range order[start:end] {
				s := samples[idx]
				p := m.Score(s.Features)
				y := float64(s.Label)
				epochLoss += bce(p, y)
				diff := p - y
				for i := 0; i < len(grad) && i < len(s.Features); i++ {
					grad[i] += diff * s.Features[i]
				}
				gradBias += diff
			}

			n := float64(end - start)
			for i := range m.Weights {
				m.Weights[i] -= t.LearningRate * (grad[i]/n + decay*m.Weights[i])
			}
			m.Bias -= t.LearningRate * gradBias / n

			if !finite(m) {
				return res, &TrainingError{Epoch: epoch, Reason: "weights diverged"}
			}
		}
		res.Epochs = epoch
		res.FinalLoss = epochLoss / float64(len(samples))
		if math.IsNaN(res.FinalLoss) || math.IsInf(res.FinalLoss, 0) {
			return res, &TrainingError{Epoch: epoch, Reason: "loss is not finite"}
		}
	}
	return res, nil
}

const epsilon = 1e-12

func bce(p, y float64) float64 {
	p = math.Min(math.Max(p, epsilon), 1-epsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

func finite(m *Model) bool {
	if math.IsNaN(m.Bias) || math.IsInf(m.Bias, 0) {
		return false
	}
	for _, w := range m.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return false
		}
	}
	return true
}

// Metrics is the result of evaluating a model on labeled samples.
type Metrics struct {
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`
	Samples  int     `json:"samples"`
}

// Evaluate returns accuracy and mean cross-entropy of m on samples.
func Evaluate(m *Model, samples []Sample) Metrics {
	if len(samples) == 0 {
		return Metrics{}
	}
	var correct int
	var loss float64
	for _, s := range samples {
		p := m.Score(s.Features)
		label := model.LabelBenign
		if p >= DecisionBoundary {
			label = model.LabelAttack
		}
		if label == s.Label {
			correct++
		}
		loss += bce(p, float64(s.Label))
	}
	n := float64(len(samples))
	return Metrics{Accuracy: float64(correct) / n, Loss: loss / n, Samples: len(samples)}
}
