package learning

import (
	"arpguard/internal/engine/classifier"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is a phase of the learning cycle.
type State int32

const (
	Idle State = iota
	Collecting
	Labeling
	Training
	Validating
	Deployed
	RolledBack
)

var stateNames = [...]string{"idle", "collecting", "labeling", "training", "validating", "deployed", "rolled_back"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeDeployed   Outcome = "deployed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeSkipped    Outcome = "skipped"
)

// Report describes one cycle.
type Report struct {
	Started        time.Time           `json:"started"`
	Finished       time.Time           `json:"finished"`
	Trigger        string              `json:"trigger"`
	Outcome        Outcome             `json:"outcome"`
	Reason         string              `json:"reason,omitempty"`
	Collected      int                 `json:"collected"`
	Discarded      int                 `json:"discarded"`
	TrainSamples   int                 `json:"train_samples"`
	HoldoutSamples int                 `json:"holdout_samples"`
	TrainLoss      float64             `json:"train_loss,omitempty"`
	Metrics        *classifier.Metrics `json:"metrics,omitempty"`
	Baseline       *classifier.Metrics `json:"baseline,omitempty"`
	CandidateID    string              `json:"candidate_id,omitempty"`
	Watermark      uint64              `json:"watermark"`
	Retries        int                 `json:"retries"`
	ForcedAdvance  bool                `json:"forced_advance,omitempty"`
}

const maxReports = 100

// persisted is what survives a restart.
type persisted struct {
	Watermark      uint64    `json:"watermark"`
	Retries        int       `json:"retries"`
	LastAttemptSeq uint64    `json:"last_attempt_seq"`
	LastAttempt    time.Time `json:"last_attempt"`
	Reports        []Report  `json:"reports"`
}

func loadState(path string) (persisted, error) {
	var st persisted
	if path == "" {
		return st, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read learning state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to decode learning state %s: %w", path, err)
	}
	return st, nil
}

func saveState(path string, st persisted) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode learning state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write learning state: %w", err)
	}
	return os.Rename(tmp, path)
}
