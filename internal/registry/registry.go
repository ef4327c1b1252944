// Package registry owns every model version and the atomically swappable
// handle that inference reads. Candidates are private until promoted.
package registry

import (
	"arpguard/internal/engine/classifier"
	"arpguard/internal/metrics"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSwapConflict means the candidate was derived from a model that is no
	// longer active. Promoting it would silently discard the newer model.
	ErrSwapConflict    = errors.New("candidate parent is not the active model")
	ErrUnknownVersion  = errors.New("unknown model version")
	ErrNotCandidate    = errors.New("version is not a candidate")
	ErrNothingToRevert = errors.New("active model has no parent to roll back to")
)

// Status is the lifecycle state of a version.
type Status string

const (
	StatusCandidate  Status = "candidate"
	StatusActive     Status = "active"
	StatusRolledBack Status = "rolled_back"
	StatusRetired    Status = "retired"
)

// Version describes one model version.
type Version struct {
	ID        string              `json:"id"`
	Number    int                 `json:"number"`
	Parent    string              `json:"parent,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Status    Status              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	Metrics   *classifier.Metrics `json:"metrics,omitempty"`
	TrainedOn int                 `json:"trained_on,omitempty"`

	model *classifier.Model
}

// Candidate is a private copy of the active model handed to the trainer.
type Candidate struct {
	ID     string
	Number int
	Parent string
	// Model may be modified freely until the candidate is promoted.
	Model     *classifier.Model
	Metrics   classifier.Metrics
	TrainedOn int
}

// BackupStore persists versions so a superseded model stays retrievable.
type BackupStore interface {
	Save(v Version, m *classifier.Model) error
	Load(id string) (Version, *classifier.Model, error)
	SetActive(id string) error
	ActiveID() (string, error)
}

// Mirror publishes version metadata to an external store.
type Mirror interface {
	Publish(ctx context.Context, v Version, active bool) error
}

// Options configures a Registry.
type Options struct {
	MaxVersions int
	Backups     BackupStore
	Mirror      Mirror
}

// Registry tracks model versions. Exactly one version is active at any time.
type Registry struct {
	mu       sync.Mutex
	model    atomic.Pointer[classifier.Model]
	active   *Version
	versions []*Version
	next     int

	maxVersions int
	backups     BackupStore
	mirror      Mirror
}

// New creates a registry whose first active version serves initial.
func New(initial *classifier.Model, opts Options) (*Registry, error) {
	if initial == nil {
		return nil, errors.New("registry needs an initial model")
	}
	if opts.MaxVersions < 2 {
		opts.MaxVersions = 2
	}
	if opts.Backups == nil {
		opts.Backups = NewMemoryBackups()
	}
	r := &Registry{
		maxVersions: opts.MaxVersions,
		backups:     opts.Backups,
		mirror:      opts.Mirror,
		next:        1,
	}

	now := time.Now()
	m := initial.Clone()
	if m.Version == "" || m.Version == "seed" {
		m.Version = uuid.NewString()
	}
	v := &Version{
		ID:        m.Version,
		Number:    r.next,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
		Reason:    "initial",
		model:     m,
	}
	r.next++
	if err := r.backups.Save(*v, m); err != nil {
		return nil, fmt.Errorf("failed to back up initial model: %w", err)
	}
	if err := r.backups.SetActive(v.ID); err != nil {
		return nil, fmt.Errorf("failed to record active model: %w", err)
	}
	r.versions = append(r.versions, v)
	r.active = v
	r.model.Store(m)
	metrics.ActiveModelNumber.Set(float64(v.Number))
	r.publish(*v, true)
	return r, nil
}

// Load returns the model serving inference. It never blocks.
func (r *Registry) Load() *classifier.Model {
	return r.model.Load()
}

// Active returns the active version.
func (r *Registry) Active() Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.active
}

// ActiveMetrics returns the holdout metrics recorded for the active version, if any.
func (r *Registry) ActiveMetrics() (classifier.Metrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active.Metrics == nil {
		return classifier.Metrics{}, false
	}
	return *r.active.Metrics, true
}

// ProposeCandidate clones the active model into a new candidate version.
func (r *Registry) ProposeCandidate() *Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	m := r.active.model.Clone()
	m.Version = uuid.NewString()
	v := &Version{
		ID:        m.Version,
		Number:    r.next,
		Parent:    r.active.ID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusCandidate,
	}
	r.next++
	r.versions = append(r.versions, v)
	r.trim()
	metrics.ModelTransitions.WithLabelValues(string(StatusCandidate)).Inc()

	return &Candidate{ID: v.ID, Number: v.Number, Parent: v.Parent, Model: m}
}

// Promote makes c the active version. The current active model is backed up
// first; if that fails nothing changes.
func (r *Registry) Promote(c *Candidate) error {
	r.mu.Lock()
	v, err := r.candidate(c.ID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if c.Parent != r.active.ID {
		r.reject(v, "swap conflict: parent "+c.Parent+" is not active "+r.active.ID)
		r.mu.Unlock()
		return fmt.Errorf("%w: candidate %s", ErrSwapConflict, c.ID)
	}
	if err := c.Model.Compatible(r.active.model); err != nil {
		r.reject(v, err.Error())
		r.mu.Unlock()
		return fmt.Errorf("candidate %s is not usable: %w", c.ID, err)
	}

	prev := r.active
	if err := r.backups.Save(*prev, prev.model); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to back up active model %s: %w", prev.ID, err)
	}

	now := time.Now()
	m := c.Model.Clone()
	cm := c.Metrics
	v.Metrics = &cm
	v.TrainedOn = c.TrainedOn
	v.Status = StatusActive
	v.UpdatedAt = now
	v.model = m
	if err := r.backups.Save(*v, m); err != nil {
		v.Status = StatusCandidate
		v.model = nil
		r.mu.Unlock()
		return fmt.Errorf("failed to persist candidate %s: %w", c.ID, err)
	}
	if err := r.backups.SetActive(v.ID); err != nil {
		log.Printf("Failed to record active model %s: %v", v.ID, err)
	}

	r.model.Store(m)
	prev.Status = StatusRetired
	prev.UpdatedAt = now
	r.active = v
	r.trim()
	active, retired := *v, *prev
	r.mu.Unlock()

	metrics.ModelTransitions.WithLabelValues(string(StatusActive)).Inc()
	metrics.ModelTransitions.WithLabelValues(string(StatusRetired)).Inc()
	metrics.ActiveModelNumber.Set(float64(active.Number))
	metrics.ActiveModelAccuracy.Set(cm.Accuracy)
	log.Printf("Promoted model v%d (%s), accuracy %.3f, loss %.3f", active.Number, active.ID, cm.Accuracy, cm.Loss)
	r.publish(retired, false)
	r.publish(active, true)
	return nil
}

// Discard marks c rolled back. The active version is not touched.
func (r *Registry) Discard(c *Candidate, reason string) error {
	r.mu.Lock()
	v, err := r.candidate(c.ID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	cm := c.Metrics
	v.Metrics = &cm
	v.TrainedOn = c.TrainedOn
	r.reject(v, reason)
	snapshot := *v
	r.mu.Unlock()

	r.publish(snapshot, false)
	return nil
}

// Rollback restores the active version's parent from its backup and marks
// the current active version rolled back.
func (r *Registry) Rollback() (Version, error) {
	r.mu.Lock()
	cur := r.active
	if cur.Parent == "" {
		r.mu.Unlock()
		return Version{}, ErrNothingToRevert
	}

	saved, m, err := r.backups.Load(cur.Parent)
	if err != nil {
		r.mu.Unlock()
		return Version{}, fmt.Errorf("failed to restore model %s: %w", cur.Parent, err)
	}
	parent := r.find(cur.Parent)
	if parent == nil {
		restored := saved
		parent = &restored
		r.versions = append(r.versions, parent)
	}
	if err := r.backups.SetActive(parent.ID); err != nil {
		log.Printf("Failed to record active model %s: %v", parent.ID, err)
	}

	now := time.Now()
	parent.model = m
	parent.Status = StatusActive
	parent.UpdatedAt = now
	cur.Status = StatusRolledBack
	cur.Reason = "manual rollback"
	cur.UpdatedAt = now
	r.model.Store(m)
	r.active = parent
	r.trim()
	active, old := *parent, *cur
	r.mu.Unlock()

	metrics.ModelTransitions.WithLabelValues(string(StatusRolledBack)).Inc()
	metrics.ActiveModelNumber.Set(float64(active.Number))
	if active.Metrics != nil {
		metrics.ActiveModelAccuracy.Set(active.Metrics.Accuracy)
	}
	log.Printf("Rolled back model v%d to v%d (%s)", old.Number, active.Number, active.ID)
	r.publish(old, false)
	r.publish(active, true)
	return active, nil
}

// ListVersions returns every retained version, oldest first.
func (r *Registry) ListVersions() []Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Version, 0, len(r.versions))
	for _, v := range r.versions {
		out = append(out, *v)
	}
	return out
}

func (r *Registry) find(id string) *Version {
	for _, v := range r.versions {
		if v.ID == id {
			return v
		}
	}
	return nil
}

func (r *Registry) candidate(id string) (*Version, error) {
	v := r.find(id)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, id)
	}
	if v.Status != StatusCandidate {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCandidate, id, v.Status)
	}
	return v, nil
}

func (r *Registry) reject(v *Version, reason string) {
	v.Status = StatusRolledBack
	v.Reason = reason
	v.UpdatedAt = time.Now()
	v.model = nil
	metrics.ModelTransitions.WithLabelValues(string(StatusRolledBack)).Inc()
}

// trim drops the oldest versions beyond maxVersions. The active version and
// open candidates are kept.
func (r *Registry) trim() {
	for len(r.versions) > r.maxVersions {
		idx := -1
		for i, v := range r.versions {
			if v != r.active && v.Status != StatusCandidate {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		r.versions = append(r.versions[:idx], r.versions[idx+1:]...)
	}
}

func (r *Registry) publish(v Version, active bool) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.mirror.Publish(ctx, v, active); err != nil {
		log.Printf("Failed to mirror model version %s: %v", v.ID, err)
	}
}

// RestoreActive returns the model the backup store last recorded as active,
// or nil if it has none.
func RestoreActive(store BackupStore) (*classifier.Model, error) {
	id, err := store.ActiveID()
	if err != nil || id == "" {
		return nil, err
	}
	_, m, err := store.Load(id)
	if err != nil {
		return nil, err
	}
	return m, nil
}
