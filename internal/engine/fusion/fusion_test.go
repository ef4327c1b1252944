package fusion

import (
	"arpguard/internal/arpframe"
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/features"
	"arpguard/internal/engine/protocol"
	"arpguard/internal/engine/rules"
	"arpguard/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScorer struct {
	pred  classifier.Prediction
	calls int
}

func (s *stubScorer) Predict(features.Vector) classifier.Prediction {
	s.calls++
	return s.pred
}

var (
	macA = arpframe.MAC("00:1b:63:00:00:0a")
	macB = arpframe.MAC("00:0c:29:00:00:0b")
	ipA  = arpframe.IP("10.0.0.10")
	ipB  = arpframe.IP("10.0.0.1")
	t0   = time.Unix(1700000000, 0)
)

type harness struct {
	t       *testing.T
	ext     *features.Extractor
	filter  *rules.Filter
	scorer  *stubScorer
	fusion  *Fusion
	records []*model.Record
	alerts  []*model.Alert
}

func newHarness(t *testing.T, pred classifier.Prediction) *harness {
	t.Helper()
	cfg := config.Default()
	ext, err := features.NewExtractor(cfg.Vendor, cfg.History)
	require.NoError(t, err)
	filter, err := rules.New(cfg.Rules)
	require.NoError(t, err)
	scorer := &stubScorer{pred: pred}
	f, err := New(cfg.Fusion, scorer)
	require.NoError(t, err)
	return &harness{t: t, ext: ext, filter: filter, scorer: scorer, fusion: f}
}

func (h *harness) feed(data []byte, ts time.Time) Decision {
	rec, err := protocol.ParseFrame(arpframe.Frame(data, ts, "eth0"))
	require.NoError(h.t, err)
	obs := h.ext.Observe(rec)
	d := h.fusion.Decide(obs, h.filter.Evaluate(rec, obs.History))
	if d.Record != nil {
		h.records = append(h.records, d.Record)
	}
	if d.Alert != nil {
		h.alerts = append(h.alerts, d.Alert)
	}
	return d
}

var benign = classifier.Prediction{Label: model.LabelBenign, Score: 0.05, Version: "v1"}

func TestGratuitousBurstYieldsOneAlert(t *testing.T) {
	h := newHarness(t, benign)
	for i := 0; i < 20; i++ {
		h.feed(arpframe.Gratuitous(macA, ipA), t0.Add(time.Duration(i)*25*time.Millisecond))
	}

	require.Len(t, h.alerts, 1)
	a := h.alerts[0]
	assert.Contains(t, []model.Module{model.ModuleRule, model.ModuleHeuristic}, a.Module)
	assert.GreaterOrEqual(t, a.Severity, 0.8)
	assert.LessOrEqual(t, a.Severity, 1.0)
	assert.Equal(t, ipA.String(), a.SrcIP)
	assert.Equal(t, macA.String(), a.SrcMAC)
	assert.NotEmpty(t, a.ID)
	assert.Contains(t, a.Features, "severity")

	stats := h.fusion.Stats()
	assert.Equal(t, uint64(1), stats.Alerts[model.ModuleRule]+stats.Alerts[model.ModuleHeuristic])
	assert.Equal(t, uint64(18), stats.Suppressed)
	assert.Equal(t, uint64(1), stats.PassThrough, "the first announcement alone is below the severity threshold")
}

func TestRuleMatchInsideCooldownIsCountedNotAlerted(t *testing.T) {
	h := newHarness(t, benign)
	for i := 0; i < 10; i++ {
		h.feed(arpframe.Gratuitous(macA, ipA), t0.Add(time.Duration(i)*25*time.Millisecond))
	}

	// The heuristic alerts on the second announcement; the flood signature
	// accepts later in the same burst and stays visible in the rule counters.
	require.Len(t, h.alerts, 1)
	assert.Equal(t, model.ModuleHeuristic, h.alerts[0].Module)
	assert.Greater(t, h.filter.Stats().Matches[config.SignatureGratuitousFlood], uint64(0))
	assert.Equal(t, uint64(0), h.fusion.Stats().Alerts[model.ModuleRule])
}

func TestNormalExchangeIsPassThrough(t *testing.T) {
	h := newHarness(t, benign)
	h.feed(arpframe.Request(macA, ipA, ipB), t0)
	d := h.feed(arpframe.Reply(macB, ipB, macA, ipA), t0.Add(2*time.Millisecond))

	assert.Empty(t, h.alerts)
	require.Len(t, h.records, 2)
	assert.Nil(t, d.Verdict)
	assert.Equal(t, model.RecordPassThrough, d.Record.Kind)
	assert.Equal(t, 0.05, d.Record.Score)
	assert.Len(t, d.Record.Features, features.Len)
	assert.Equal(t, 2, h.scorer.calls)
}

func TestRuleSkipsClassifier(t *testing.T) {
	h := newHarness(t, benign)
	h.feed(arpframe.Request(macA, ipB, ipA), t0)
	calls := h.scorer.calls

	// macB claims ipB, which is bound to macA.
	d := h.feed(arpframe.Request(macB, ipB, ipA), t0.Add(time.Second))
	require.NotNil(t, d.Alert)
	assert.Equal(t, model.ModuleRule, d.Alert.Module)
	assert.Equal(t, 1.0, d.Alert.Severity)
	assert.Contains(t, d.Alert.Reason, config.SignatureIPMACConflict)
	assert.Equal(t, calls, h.scorer.calls)
	assert.Equal(t, model.RecordAlert, d.Record.Kind)
	assert.Equal(t, d.Alert.ID, d.Record.AlertID)
	assert.Equal(t, 1.0, d.Record.Score)
}

func TestClassifierAlert(t *testing.T) {
	h := newHarness(t, classifier.Prediction{Label: model.LabelAttack, Score: 0.97, Version: "v2"})
	d := h.feed(arpframe.Request(macA, ipA, ipB), t0)
	require.NotNil(t, d.Alert)
	assert.Equal(t, model.ModuleClassifier, d.Alert.Module)
	assert.Equal(t, 0.97, d.Alert.Severity)
	assert.Equal(t, 0.97, d.Record.Score)
}

func TestClassifierBelowThresholdPassesThrough(t *testing.T) {
	h := newHarness(t, classifier.Prediction{Label: model.LabelAttack, Score: 0.7, Version: "v2"})
	d := h.feed(arpframe.Request(macA, ipA, ipB), t0)
	assert.Nil(t, d.Alert)
	require.NotNil(t, d.Record)
	assert.Equal(t, model.RecordPassThrough, d.Record.Kind)
	assert.Equal(t, 0.7, d.Record.Score)
}

func TestCooldownExpires(t *testing.T) {
	h := newHarness(t, classifier.Prediction{Label: model.LabelAttack, Score: 0.99})
	h.feed(arpframe.Request(macA, ipA, ipB), t0)
	d := h.feed(arpframe.Request(macA, ipA, ipB), t0.Add(time.Second))
	assert.True(t, d.Suppressed)
	assert.Nil(t, d.Record)

	d = h.feed(arpframe.Request(macA, ipA, ipB), t0.Add(10*time.Second))
	assert.NotNil(t, d.Alert)
	assert.Len(t, h.alerts, 2)
}

func TestDecideIsDeterministic(t *testing.T) {
	run := func() []model.Module {
		h := newHarness(t, benign)
		var out []model.Module
		for i := 0; i < 10; i++ {
			d := h.feed(arpframe.Gratuitous(macA, ipA), t0.Add(time.Duration(i)*time.Second))
			if d.Alert != nil {
				out = append(out, d.Alert.Module)
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}
