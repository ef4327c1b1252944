package capture

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is a bounded frame queue between capture sources and the detection
// workers. With the drop policy a full buffer rejects new frames; with the
// block policy producers wait for room.
type Buffer struct {
	frames       chan model.Frame
	block        bool
	batchSize    int
	batchTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	received  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	batches   atomic.Uint64
}

// BufferStats is a point-in-time view of the buffer counters.
type BufferStats struct {
	Received     uint64  `json:"received"`
	Processed    uint64  `json:"processed"`
	Dropped      uint64  `json:"dropped"`
	Batches      uint64  `json:"batches"`
	AvgBatchSize float64 `json:"avg_batch_size"`
	Queued       int     `json:"queued"`
	Capacity     int     `json:"capacity"`
	Utilization  float64 `json:"utilization"`
	DropRate     float64 `json:"drop_rate"`
}

// NewBuffer creates a buffer from cfg.
func NewBuffer(cfg config.BufferConfig) *Buffer {
	return &Buffer{
		frames:       make(chan model.Frame, cfg.MaxSize),
		block:        cfg.Overflow == config.OverflowBlock,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout.D(),
		closed:       make(chan struct{}),
	}
}

// Push offers a frame. It reports whether the frame was queued; a false
// return means it was dropped (drop policy, closed buffer, or ctx done while
// blocked).
func (b *Buffer) Push(ctx context.Context, f model.Frame) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	b.received.Add(1)

	if !b.block {
		select {
		case b.frames <- f:
			return true
		default:
			b.dropped.Add(1)
			return false
		}
	}

	select {
	case b.frames <- f:
		return true
	case <-ctx.Done():
	case <-b.closed:
	}
	b.dropped.Add(1)
	return false
}

// NextBatch waits for at least one frame and returns up to batchSize frames,
// flushing early once batchTimeout has passed since the first one arrived. It
// returns nil when ctx is done or the buffer is closed and drained.
func (b *Buffer) NextBatch(ctx context.Context) []model.Frame {
	var first model.Frame
	select {
	case first = <-b.frames:
	case <-ctx.Done():
		return nil
	case <-b.closed:
		select {
		case first = <-b.frames:
		default:
			return nil
		}
	}

	batch := make([]model.Frame, 1, b.batchSize)
	batch[0] = first

	timer := time.NewTimer(b.batchTimeout)
	defer timer.Stop()

	for len(batch) < b.batchSize {
		select {
		case f := <-b.frames:
			batch = append(batch, f)
		case <-timer.C:
			return b.account(batch)
		case <-ctx.Done():
			return b.account(batch)
		case <-b.closed:
			return b.account(b.drainInto(batch))
		}
	}
	return b.account(batch)
}

func (b *Buffer) drainInto(batch []model.Frame) []model.Frame {
	for len(batch) < b.batchSize {
		select {
		case f := <-b.frames:
			batch = append(batch, f)
		default:
			return batch
		}
	}
	return batch
}

func (b *Buffer) account(batch []model.Frame) []model.Frame {
	b.batches.Add(1)
	b.processed.Add(uint64(len(batch)))
	return batch
}

// Close stops accepting frames. Frames already queued are still returned by NextBatch.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Stats returns the current counters.
func (b *Buffer) Stats() BufferStats {
	s := BufferStats{
		Received:  b.received.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Batches:   b.batches.Load(),
		Queued:    len(b.frames),
		Capacity:  cap(b.frames),
	}
	if s.Batches > 0 {
		s.AvgBatchSize = float64(s.Processed) / float64(s.Batches)
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Queued) / float64(s.Capacity)
	}
	if s.Received > 0 {
		s.DropRate = float64(s.Dropped) / float64(s.Received)
	}
	return s
}
