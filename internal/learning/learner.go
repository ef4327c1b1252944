// Package learning runs the background loop that pseudo-labels the detection
// stream, trains a candidate model and promotes it only if it validates.
package learning

import (
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/features"
	"arpguard/internal/metrics"
	"arpguard/internal/registry"
	"arpguard/internal/stream"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCycleInProgress is returned when a cycle is requested while one runs.
var ErrCycleInProgress = errors.New("learning cycle already in progress")

// Registry is the part of the model registry the learner uses.
type Registry interface {
	ProposeCandidate() *registry.Candidate
	Promote(c *registry.Candidate) error
	Discard(c *registry.Candidate, reason string) error
	ActiveMetrics() (classifier.Metrics, bool)
}

// Learner owns the learning state machine. At most one cycle runs at a time.
type Learner struct {
	cfg      config.LearningConfig
	store    stream.Store
	registry Registry
	labeler  Labeler
	now      func() time.Time

	running atomic.Bool
	state   atomic.Int32
	trigger chan struct{}

	mu sync.Mutex
	st persisted

	cycles     atomic.Uint64
	deployed   atomic.Uint64
	rolledBack atomic.Uint64
}

// New creates a learner and restores its persisted state.
func New(cfg config.LearningConfig, store stream.Store, reg Registry) (*Learner, error) {
	st, err := loadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	l := &Learner{
		cfg:      cfg,
		store:    store,
		registry: reg,
		labeler:  Labeler{High: cfg.HighConfidence, Low: cfg.LowConfidence, Features: features.Len},
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		st:       st,
	}
	if l.st.LastAttempt.IsZero() {
		l.st.LastAttempt = l.now()
	}
	l.setState(Idle)
	if st.Watermark > 0 {
		log.Printf("Learning state restored: watermark %d, %d retries", st.Watermark, st.Retries)
	}
	return l, nil
}

// Run polls for trigger conditions until ctx is done.
func (l *Learner) Run(ctx context.Context) {
	log.Println("Learning loop started")
	ticker := time.NewTicker(l.cfg.CheckInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Learning loop stopped")
			return
		case <-ticker.C:
			reason, ok := l.due(ctx)
			if !ok {
				continue
			}
			l.runLogged(ctx, reason)
		case <-l.trigger:
			l.runLogged(ctx, "manual")
		}
	}
}

func (l *Learner) runLogged(ctx context.Context, reason string) {
	if _, err := l.cycle(ctx, reason); err != nil && !errors.Is(err, ErrCycleInProgress) {
		log.Printf("Failed to run learning cycle: %v", err)
	}
}

// Trigger asks the Run loop to start a cycle. It returns false if one is
// already running or queued.
func (l *Learner) Trigger() bool {
	if l.running.Load() {
		return false
	}
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// TriggerNow runs a cycle in the calling goroutine.
func (l *Learner) TriggerNow(ctx context.Context) (Report, error) {
	return l.cycle(ctx, "manual")
}

// due reports whether a cycle should start: enough new records since the last
// attempt, or the interval elapsed with anything pending.
func (l *Learner) due(ctx context.Context) (string, bool) {
	latest, err := l.store.Latest(ctx)
	if err != nil {
		log.Printf("Failed to read stream position: %v", err)
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if latest > l.st.Watermark && latest-l.st.LastAttemptSeq >= uint64(l.cfg.MinSamples) && latest > l.st.LastAttemptSeq {
		return "min_samples", true
	}
	if latest > l.st.Watermark && l.now().Sub(l.st.LastAttempt) >= l.cfg.LearningInterval.D() {
		return "interval", true
	}
	return "", false
}

func (l *Learner) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	metrics.LearningState.WithLabelValues(prev.String()).Set(0)
	metrics.LearningState.WithLabelValues(s.String()).Set(1)
}

// State returns the current phase.
func (l *Learner) State() State { return State(l.state.Load()) }

func (l *Learner) cycle(parent context.Context, trigger string) (Report, error) {
	if !l.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInProgress
	}
	defer l.running.Store(false)
	defer l.setState(Idle)

	ctx, cancel := context.WithTimeout(parent, l.cfg.CycleBudget.D())
	defer cancel()

	l.mu.Lock()
	watermark := l.st.Watermark
	l.mu.Unlock()

	rep := Report{Started: l.now(), Trigger: trigger, Watermark: watermark}
	bound, candidate, err := l.execute(ctx, watermark, &rep)

	switch {
	case err != nil && parent.Err() != nil:
		// Shutdown: drop the candidate, keep the batch for the next run.
		rep.Outcome = OutcomeRolledBack
		rep.Reason = "cancelled: " + err.Error()
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		rep.Outcome = OutcomeRolledBack
		rep.Reason = fmt.Sprintf("cycle exceeded its %s budget: %v", l.cfg.CycleBudget.D(), err)
	case err != nil:
		rep.Outcome = OutcomeRolledBack
		rep.Reason = err.Error()
	}
	if candidate != nil && rep.Outcome == OutcomeRolledBack {
		if derr := l.registry.Discard(candidate, rep.Reason); derr != nil && !errors.Is(derr, registry.ErrNotCandidate) {
			log.Printf("Failed to discard candidate %s: %v", candidate.ID, derr)
		}
	}
	l.finish(&rep, bound, parent.Err() != nil)
	return rep, nil
}

// execute runs Collecting through Deployed. It returns the highest sequence
// the cycle covered and the candidate, if one was created. A nil error with
// rep.Outcome unset never happens.
func (l *Learner) execute(ctx context.Context, watermark uint64, rep *Report) (uint64, *registry.Candidate, error) {
	l.setState(Collecting)
	bound, err := l.store.Latest(ctx)
	if err != nil {
		return watermark, nil, fmt.Errorf("failed to read stream position: %w", err)
	}
	recs, err := l.store.Since(ctx, watermark, l.cfg.MaxHistory)
	if err != nil {
		return bound, nil, fmt.Errorf("failed to collect records: %w", err)
	}
	rep.Collected = len(recs)
	if len(recs) == 0 {
		rep.Outcome = OutcomeSkipped
		rep.Reason = "no new records"
		return watermark, nil, nil
	}
	bound = max(bound, recs[len(recs)-1].Seq)
	if err := ctx.Err(); err != nil {
		return bound, nil, err
	}

	l.setState(Labeling)
	train, holdout, discarded := l.labeler.split(recs, l.cfg.HoldoutEvery)
	rep.Discarded = discarded
	if len(train) == 0 {
		rep.Outcome = OutcomeSkipped
		rep.Reason = fmt.Sprintf("none of %d records could be labeled", len(recs))
		return bound, nil, nil
	}
	if l.cfg.HoldoutHistory > 0 && watermark > 0 {
		older, err := l.store.Holdout(ctx, watermark, l.cfg.HoldoutHistory)
		if err != nil {
			return bound, nil, fmt.Errorf("failed to read holdout records: %w", err)
		}
		for _, r := range older {
			if !heldOut(r.Seq, l.cfg.HoldoutEvery) {
				continue
			}
			if s, ok := l.labeler.Label(r); ok {
				holdout = append(holdout, s.Sample)
			}
		}
	}
	if len(holdout) == 0 {
		holdout = train
	}
	rep.TrainSamples = len(train)
	rep.HoldoutSamples = len(holdout)
	if err := ctx.Err(); err != nil {
		return bound, nil, err
	}

	l.setState(Training)
	candidate := l.registry.ProposeCandidate()
	rep.CandidateID = candidate.ID
	trainer := &classifier.Trainer{
		LearningRate: l.cfg.LearningRate,
		Epochs:       l.cfg.Epochs,
		BatchSize:    l.cfg.BatchSize,
		Seed:         int64(bound),
	}
	res, err := trainer.Train(ctx, candidate.Model, train)
	if err != nil {
		return bound, candidate, err
	}
	rep.TrainLoss = res.FinalLoss

	l.setState(Validating)
	m := classifier.Evaluate(candidate.Model, holdout)
	rep.Metrics = &m
	candidate.Metrics = m
	candidate.TrainedOn = len(train)
	if baseline, ok := l.registry.ActiveMetrics(); ok {
		rep.Baseline = &baseline
	}
	if reason := l.validate(m, rep.Baseline); reason != "" {
		return bound, candidate, errors.New(reason)
	}
	if err := ctx.Err(); err != nil {
		return bound, candidate, err
	}

	if err := l.registry.Promote(candidate); err != nil {
		if errors.Is(err, registry.ErrSwapConflict) {
			log.Printf("ERROR: model swap conflict, candidate %s not promoted: %v", candidate.ID, err)
		}
		return bound, candidate, fmt.Errorf("failed to promote candidate: %w", err)
	}
	l.setState(Deployed)
	rep.Outcome = OutcomeDeployed
	return bound, candidate, nil
}

// validate returns why m fails the safety gate, or "" if it passes.
func (l *Learner) validate(m classifier.Metrics, baseline *classifier.Metrics) string {
	if m.Accuracy < l.cfg.MinAccuracy {
		return fmt.Sprintf("holdout accuracy %.3f below %.3f", m.Accuracy, l.cfg.MinAccuracy)
	}
	if m.Loss > l.cfg.MaxLoss {
		return fmt.Sprintf("holdout loss %.3f above %.3f", m.Loss, l.cfg.MaxLoss)
	}
	if baseline != nil && m.Accuracy < baseline.Accuracy-l.cfg.MaxRegression {
		return fmt.Sprintf("holdout accuracy %.3f regresses from active %.3f", m.Accuracy, baseline.Accuracy)
	}
	return ""
}

// finish advances the watermark and retry count, records the report and persists state.
func (l *Learner) finish(rep *Report, bound uint64, shutdown bool) {
	if rep.Outcome == OutcomeRolledBack {
		l.setState(RolledBack)
	}

	l.mu.Lock()
	switch rep.Outcome {
	case OutcomeDeployed, OutcomeSkipped:
		l.st.Watermark = max(l.st.Watermark, bound)
		l.st.Retries = 0
	case OutcomeRolledBack:
		if !shutdown {
			l.st.Retries++
			if l.cfg.MaxRetries > 0 && l.st.Retries >= l.cfg.MaxRetries {
				l.st.Watermark = max(l.st.Watermark, bound)
				l.st.Retries = 0
				rep.ForcedAdvance = true
			}
		}
	}
	l.st.LastAttempt = l.now()
	l.st.LastAttemptSeq = max(l.st.LastAttemptSeq, bound)
	rep.Finished = l.now()
	rep.Watermark = l.st.Watermark
	rep.Retries = l.st.Retries
	l.st.Reports = append(l.st.Reports, *rep)
	if len(l.st.Reports) > maxReports {
		l.st.Reports = slices.Clone(l.st.Reports[len(l.st.Reports)-maxReports:])
	}
	st := l.st
	st.Reports = slices.Clone(l.st.Reports)
	l.mu.Unlock()

	l.cycles.Add(1)
	metrics.LearningCycles.WithLabelValues(string(rep.Outcome)).Inc()
	switch rep.Outcome {
	case OutcomeDeployed:
		l.deployed.Add(1)
		log.Printf("Learning cycle deployed candidate %s (accuracy %.3f, %d samples), watermark %d",
			rep.CandidateID, rep.Metrics.Accuracy, rep.TrainSamples, rep.Watermark)
	case OutcomeRolledBack:
		l.rolledBack.Add(1)
		log.Printf("Learning cycle rolled back: %s (retries %d, forced advance %v)", rep.Reason, rep.Retries, rep.ForcedAdvance)
	default:
		log.Printf("Learning cycle skipped: %s", rep.Reason)
	}

	if err := saveState(l.cfg.StatePath, st); err != nil {
		log.Printf("Failed to save learning state: %v", err)
	}
}

// Stats summarizes the learner.
type Stats struct {
	State      State   `json:"state"`
	Watermark  uint64  `json:"watermark"`
	Retries    int     `json:"retries"`
	Cycles     uint64  `json:"cycles"`
	Deployed   uint64  `json:"deployed"`
	RolledBack uint64  `json:"rolled_back"`
	LastReport *Report `json:"last_report,omitempty"`
}

func (l *Learner) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		State:      l.State(),
		Watermark:  l.st.Watermark,
		Retries:    l.st.Retries,
		Cycles:     l.cycles.Load(),
		Deployed:   l.deployed.Load(),
		RolledBack: l.rolledBack.Load(),
	}
	if n := len(l.st.Reports); n > 0 {
		r := l.st.Reports[n-1]
		s.LastReport = &r
	}
	return s
}

// Reports returns the retained cycle reports, oldest first.
func (l *Learner) Reports() []Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.st.Reports)
}
