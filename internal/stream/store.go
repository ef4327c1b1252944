// Package stream is the append-only record log shared by detection (writer)
// and the learning loop (reader).
package stream

import (
	"arpguard/internal/model"
	"context"
	"sync"
)

// Store is an append-only record log with a monotonically increasing sequence.
type Store interface {
	// Append assigns each record the next sequence number and stores it.
	Append(ctx context.Context, recs []*model.Record) error
	// Since returns up to limit records with Seq > after, keeping the newest
	// ones when more are available. The result is in Seq order.
	Since(ctx context.Context, after uint64, limit int) ([]model.Record, error)
	// Holdout returns up to limit of the newest records with Seq <= upTo, in Seq order.
	Holdout(ctx context.Context, upTo uint64, limit int) ([]model.Record, error)
	// Latest returns the highest assigned sequence number, 0 if empty.
	Latest(ctx context.Context) (uint64, error)
	Close() error
}

// MemoryStore keeps the most recent records in a fixed-size ring.
type MemoryStore struct {
	mu   sync.RWMutex
	ring []model.Record
	head int // index of the oldest record
	size int
	seq  uint64
}

// NewMemoryStore returns a store that retains at most capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{ring: make([]model.Record, capacity)}
}

func (s *MemoryStore) Append(_ context.Context, recs []*model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.seq++
		r.Seq = s.seq
		if s.size < len(s.ring) {
			s.ring[(s.head+s.size)%len(s.ring)] = *r
			s.size++
			continue
		}
		s.ring[s.head] = *r
		s.head = (s.head + 1) % len(s.ring)
	}
	return nil
}

// at returns the i-th oldest retained record.
func (s *MemoryStore) at(i int) *model.Record {
	return &s.ring[(s.head+i)%len(s.ring)]
}

// search returns the index of the first retained record with Seq > seq.
func (s *MemoryStore) search(seq uint64) int {
	lo, hi := 0, s.size
	for lo < hi {
		mid := (lo + hi) / 2
		if s.at(mid).Seq <= seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (s *MemoryStore) Since(_ context.Context, after uint64, limit int) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := s.search(after)
	if limit > 0 && s.size-start > limit {
		start = s.size - limit
	}
	return s.copyRange(start, s.size), nil
}

func (s *MemoryStore) Holdout(_ context.Context, upTo uint64, limit int) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := s.search(upTo)
	start := 0
	if limit > 0 && end > limit {
		start = end - limit
	}
	return s.copyRange(start, end), nil
}

func (s *MemoryStore) copyRange(start, end int) []model.Record {
	if start >= end {
		return nil
	}
	out := make([]model.Record, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, *s.at(i))
	}
	return out
}

func (s *MemoryStore) Latest(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

// Len returns the number of retained records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *MemoryStore) Close() error { return nil }
