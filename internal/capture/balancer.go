package capture

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
)

// Balancer assigns parsed records to per-worker queues. With source affinity
// every record claiming one sender IP lands on the same worker, which keeps
// that sender's timing window and its IP-MAC binding in arrival order.
type Balancer struct {
	policy string
	queues []chan *model.ArpRecord
	next   atomic.Uint64
}

// NewBalancer creates one queue of queueSize per worker.
func NewBalancer(policy string, workers, queueSize int) (*Balancer, error) {
	switch policy {
	case config.BalanceRoundRobin, config.BalanceLeastLoaded, config.BalanceSourceAffinity:
	default:
		return nil, fmt.Errorf("unknown balance policy %q", policy)
	}
	if workers <= 0 {
		return nil, fmt.Errorf("balancer needs at least one worker, got %d", workers)
	}
	queues := make([]chan *model.ArpRecord, workers)
	for i := range queues {
		queues[i] = make(chan *model.ArpRecord, queueSize)
	}
	return &Balancer{policy: policy, queues: queues}, nil
}

// Workers returns the number of queues.
func (b *Balancer) Workers() int { return len(b.queues) }

// Queue returns the receive side of worker i's queue.
func (b *Balancer) Queue(i int) <-chan *model.ArpRecord { return b.queues[i] }

// Pick returns the worker index for rec.
func (b *Balancer) Pick(rec *model.ArpRecord) int {
	n := len(b.queues)
	if n == 1 {
		return 0
	}
	switch b.policy {
	case config.BalanceSourceAffinity:
		h := fnv.New32a()
		h.Write(rec.SenderIP.To4())
		return int(h.Sum32() % uint32(n))
	case config.BalanceLeastLoaded:
		start := int(b.next.Add(1) % uint64(n))
		best, bestLen := start, len(b.queues[start])
		for i := 1; i < n; i++ {
			idx := (start + i) % n
			if l := len(b.queues[idx]); l < bestLen {
				best, bestLen = idx, l
			}
		}
		return best
	default:
		return int((b.next.Add(1) - 1) % uint64(n))
	}
}

// Dispatch sends rec to its worker, blocking while that queue is full.
func (b *Balancer) Dispatch(ctx context.Context, rec *model.ArpRecord) error {
	select {
	case b.queues[b.Pick(rec)] <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loads returns the current depth of each queue.
func (b *Balancer) Loads() []int {
	loads := make([]int, len(b.queues))
	for i, q := range b.queues {
		loads[i] = len(q)
	}
	return loads
}

// Close closes all queues. Only the single dispatching goroutine may call it.
func (b *Balancer) Close() {
	for _, q := range b.queues {
		close(q)
	}
}
