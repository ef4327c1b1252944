// Package fusion combines the rule, heuristic and classifier signals for one
// frame into an alert or a pass-through record.
package fusion

import (
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/features"
	"arpguard/internal/engine/rules"
	"arpguard/internal/metrics"
	"arpguard/internal/model"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const numShards = 16

// Scorer is the classifier as seen by fusion.
type Scorer interface {
	Predict(v features.Vector) classifier.Prediction
}

// Decision is the outcome for one frame. Suppressed decisions carry neither
// an alert nor a record.
type Decision struct {
	Verdict    *model.Verdict
	Alert      *model.Alert
	Record     *model.Record
	Suppressed bool
}

type cooldownShard struct {
	mu   sync.Mutex
	last *simplelru.LRU[model.SourceKey, time.Time]
}

// Fusion applies the decision order: rule, then heuristic severity, then classifier.
type Fusion struct {
	highSeverity float64
	classify     float64
	cooldown     time.Duration
	scorer       Scorer

	shards [numShards]*cooldownShard

	alerts      [3]atomic.Uint64
	passThrough atomic.Uint64
	suppressed  atomic.Uint64
}

// New creates a fusion stage that calls scorer only when neither the rules nor
// the heuristic decided.
func New(cfg config.FusionConfig, scorer Scorer) (*Fusion, error) {
	keys := cfg.CooldownKeys
	if keys <= 0 {
		keys = 10000
	}
	f := &Fusion{
		highSeverity: cfg.HighSeverityThreshold,
		classify:     cfg.ClassifyThreshold,
		cooldown:     cfg.AlertCooldown.D(),
		scorer:       scorer,
	}
	perShard := (keys + numShards - 1) / numShards
	for i := range f.shards {
		lru, err := simplelru.NewLRU[model.SourceKey, time.Time](perShard, nil)
		if err != nil {
			return nil, err
		}
		f.shards[i] = &cooldownShard{last: lru}
	}
	return f, nil
}

// Decide fuses the signals for obs. match is the rule filter result, or nil.
func (f *Fusion) Decide(obs features.Observation, match *rules.Match) Decision {
	h := obs.History
	var verdict *model.Verdict
	severity := h.Severity
	var score float64

	switch {
	case match != nil:
		v := match.Verdict()
		verdict = &v
		severity = 1.0
		score = 1.0
	case h.Severity >= f.highSeverity:
		verdict = &model.Verdict{
			Module:     model.ModuleHeuristic,
			Label:      model.LabelAttack,
			Confidence: h.Severity,
			Reason:     heuristicReason(obs),
		}
		score = h.Severity
	default:
		p := f.scorer.Predict(obs.Vector)
		score = p.Score
		if p.Label == model.LabelAttack && p.Score >= f.classify {
			v := p.Verdict()
			verdict = &v
			severity = p.Score
		}
	}

	rec := obs.Record
	record := &model.Record{
		Kind:      model.RecordPassThrough,
		Timestamp: rec.Timestamp,
		SrcIP:     rec.SenderIP.String(),
		SrcMAC:    rec.SenderMAC.String(),
		Severity:  h.Severity,
		Score:     score,
		Features:  slices.Clone(obs.Vector),
	}

	if verdict == nil {
		f.passThrough.Add(1)
		metrics.PassThrough.Inc()
		return Decision{Record: record}
	}

	if f.coolingDown(h.Key, rec.Timestamp) {
		f.suppressed.Add(1)
		metrics.Suppressed.Inc()
		return Decision{Verdict: verdict, Suppressed: true}
	}

	alert := &model.Alert{
		ID:        uuid.NewString(),
		Timestamp: rec.Timestamp,
		Module:    verdict.Module,
		Reason:    verdict.Reason,
		SrcIP:     record.SrcIP,
		SrcMAC:    record.SrcMAC,
		Severity:  clamp01(severity),
		Features:  obs.Vector.Snapshot(),
	}
	record.Kind = model.RecordAlert
	record.Module = alert.Module
	record.Reason = alert.Reason
	record.AlertID = alert.ID
	record.Severity = alert.Severity

	f.alerts[moduleIndex(alert.Module)].Add(1)
	metrics.Alerts.WithLabelValues(string(alert.Module)).Inc()
	return Decision{Verdict: verdict, Alert: alert, Record: record}
}

// coolingDown reports whether key alerted within the cooldown and otherwise
// starts a new cooldown at ts.
func (f *Fusion) coolingDown(key model.SourceKey, ts time.Time) bool {
	if f.cooldown <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write(key.MAC[:])
	h.Write(key.IP[:])
	sh := f.shards[h.Sum32()%numShards]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if last, ok := sh.last.Get(key); ok {
		d := ts.Sub(last)
		if d < 0 {
			d = -d
		}
		if d < f.cooldown {
			return true
		}
	}
	sh.last.Add(key, ts)
	return false
}

func heuristicReason(obs features.Observation) string {
	reasons := slices.Clone(obs.History.Reasons)
	if obs.Vendor.Score > 0 {
		reasons = append(reasons, obs.Vendor.Reasons...)
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("severity %.2f", obs.History.Severity)
	}
	return strings.Join(reasons, "; ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func moduleIndex(m model.Module) int {
	switch m {
	case model.ModuleRule:
		return 0
	case model.ModuleHeuristic:
		return 1
	default:
		return 2
	}
}

// Stats are the fusion counters.
type Stats struct {
	Alerts      map[model.Module]uint64 `json:"alerts"`
	PassThrough uint64                  `json:"pass_through"`
	Suppressed  uint64                  `json:"suppressed"`
}

func (f *Fusion) Stats() Stats {
	return Stats{
		Alerts: map[model.Module]uint64{
			model.ModuleRule:       f.alerts[0].Load(),
			model.ModuleHeuristic:  f.alerts[1].Load(),
			model.ModuleClassifier: f.alerts[2].Load(),
		},
		PassThrough: f.passThrough.Load(),
		Suppressed:  f.suppressed.Load(),
	}
}
