package classifier

import (
	"arpguard/internal/engine/features"
	"arpguard/internal/model"
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct{ m *Model }

func (s fixedSource) Load() *Model { return s.m }

// swappingSource hands out a different model on every call.
type swappingSource struct {
	models []*Model
	calls  atomic.Int64
}

func (s *swappingSource) Load() *Model {
	n := s.calls.Add(1) - 1
	return s.models[int(n)%len(s.models)]
}

func vector(set map[string]float64) features.Vector {
	v := make(features.Vector, features.Len)
	for i, name := range features.Names {
		v[i] = set[name]
	}
	return v
}

var (
	benignVec = vector(map[string]float64{"is_request": 1, "src_vendor_known": 1, "mean_iat": 10})
	attackVec = vector(map[string]float64{
		"is_reply": 1, "gratuitous": 1, "src_vendor_known": 1,
		"severity": 0.9, "log_rate": math.Log1p(40), "mean_iat": 0.025, "window_fill": 0.3,
	})
)

func TestSeedModel(t *testing.T) {
	m := SeedModel()
	require.NoError(t, m.Validate(features.Names))

	c := New(fixedSource{m})
	benign := c.Predict(benignVec)
	assert.Equal(t, model.LabelBenign, benign.Label)
	assert.Less(t, benign.Score, 0.30)
	assert.Equal(t, "seed", benign.Version)

	attack := c.Predict(attackVec)
	assert.Equal(t, model.LabelAttack, attack.Label)
	assert.Greater(t, attack.Score, 0.9)

	v := attack.Verdict()
	assert.Equal(t, model.ModuleClassifier, v.Module)
	assert.Equal(t, attack.Score, v.Confidence)
}

func TestScoreIsStable(t *testing.T) {
	m := SeedModel()
	for _, z := range []float64{-800, -30, 0, 30, 800} {
		p := sigmoid(z)
		assert.False(t, math.IsNaN(p))
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.Equal(t, m.Score(benignVec), m.Score(benignVec))
}

func TestPredictBatchUsesOneModel(t *testing.T) {
	low := SeedModel()
	low.Version = "low"
	high := low.Clone()
	high.Version = "high"
	high.Bias = 100

	src := &swappingSource{models: []*Model{low, high}}
	c := New(src)
	preds := c.PredictBatch([]features.Vector{benignVec, attackVec, benignVec})
	require.Len(t, preds, 3)
	for _, p := range preds {
		assert.Equal(t, "low", p.Version)
	}
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestCloneIsIndependent(t *testing.T) {
	m := SeedModel()
	c := m.Clone()
	c.Weights[0] = 42
	c.Features[0] = "changed"
	assert.NotEqual(t, 42.0, m.Weights[0])
	assert.Equal(t, "is_request", m.Features[0])
	assert.False(t, m.Equal(c))
	assert.True(t, m.Equal(m.Clone()))
}

func separable(n int) []Sample {
	var out []Sample
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, Sample{Features: attackVec, Label: model.LabelAttack})
		} else {
			out = append(out, Sample{Features: benignVec, Label: model.LabelBenign})
		}
	}
	return out
}

func TestTrainReducesLoss(t *testing.T) {
	m := &Model{Features: features.Names, Weights: make([]float64, features.Len)}
	samples := separable(100)
	before := Evaluate(m, samples)

	tr := &Trainer{LearningRate: 0.1, Epochs: 20, BatchSize: 16, Seed: 1}
	res, err := tr.Train(context.Background(), m, samples)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Epochs)
	assert.Equal(t, 100, res.Samples)

	after := Evaluate(m, samples)
	assert.Less(t, after.Loss, before.Loss)
	assert.Equal(t, 1.0, after.Accuracy)
	assert.Equal(t, 100, after.Samples)
}

func TestTrainDoesNotTouchSource(t *testing.T) {
	active := SeedModel()
	candidate := active.Clone()
	tr := &Trainer{LearningRate: 0.5, Epochs: 3, BatchSize: 8}
	_, err := tr.Train(context.Background(), candidate, separable(32))
	require.NoError(t, err)
	assert.True(t, active.Equal(SeedModel()))
	assert.False(t, active.Equal(candidate))
}

func TestTrainDivergence(t *testing.T) {
	m := SeedModel()
	tr := &Trainer{LearningRate: math.Inf(1), Epochs: 1, BatchSize: 4}
	_, err := tr.Train(context.Background(), m, separable(8))
	var te *TrainingError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Epoch)
}

func TestTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &Trainer{LearningRate: 0.01, Epochs: 3, BatchSize: 4}
	_, err := tr.Train(ctx, SeedModel(), separable(8))
	var te *TrainingError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTrainNoSamples(t *testing.T) {
	tr := &Trainer{LearningRate: 0.01, Epochs: 1}
	_, err := tr.Train(context.Background(), SeedModel(), nil)
	assert.Error(t, err)
}

func TestEvaluateEmpty(t *testing.T) {
	assert.Equal(t, Metrics{}, Evaluate(SeedModel(), nil))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	m := SeedModel()
	require.NoError(t, m.Save(path))

	loaded, err := LoadModel(path)
	require.NoError(t, err)
	assert.True(t, m.Equal(loaded))
	assert.Equal(t, m.Features, loaded.Features)
	require.NoError(t, loaded.Validate(features.Names))

	_, err = LoadModel(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateRejectsMismatch(t *testing.T) {
	m := SeedModel()
	m.Weights = m.Weights[:3]
	assert.Error(t, m.Validate(features.Names))

	m = SeedModel()
	m.Bias = math.NaN()
	assert.Error(t, m.Validate(features.Names))
}
