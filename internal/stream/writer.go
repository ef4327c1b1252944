package stream

import (
	"arpguard/internal/metrics"
	"arpguard/internal/model"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// AlertSink receives alerts once their record is stored.
type AlertSink interface {
	Publish(alert *model.Alert)
}

type item struct {
	record *model.Record
	alert  *model.Alert
}

// Writer moves records from detection workers into the Store. Workers hand
// records over with Submit, which never blocks.
type Writer struct {
	store     Store
	sink      AlertSink
	input     chan item
	batchSize int
	interval  time.Duration
	wg        sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter creates a writer with a channel of the given capacity. sink may be nil.
func NewWriter(store Store, sink AlertSink, capacity int) *Writer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Writer{
		store:     store,
		sink:      sink,
		input:     make(chan item, capacity),
		batchSize: 256,
		interval:  200 * time.Millisecond,
	}
}

// Submit queues rec (and its alert, if any). It returns false and counts a
// drop when the channel is full.
func (w *Writer) Submit(rec *model.Record, alert *model.Alert) bool {
	select {
	case w.input <- item{record: rec, alert: alert}:
		return true
	default:
		n := w.dropped.Add(1)
		metrics.FramesDropped.WithLabelValues("record_channel").Inc()
		if n == 1 || n%1000 == 0 {
			log.Printf("Record channel full, %d records dropped so far", n)
		}
		return false
	}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop closes the input, flushes what is queued and waits. No Submit may
// follow Stop.
func (w *Writer) Stop() {
	close(w.input)
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make([]item, 0, w.batchSize)
	for {
		select {
		case it, ok := <-w.input:
			if !ok {
				w.flush(pending)
				return
			}
			pending = append(pending, it)
			if len(pending) >= w.batchSize {
				w.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

func (w *Writer) flush(items []item) {
	if len(items) == 0 {
		return
	}
	recs := make([]*model.Record, len(items))
	for i, it := range items {
		recs[i] = it.record
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.Append(ctx, recs); err != nil {
		w.failed.Add(uint64(len(recs)))
		log.Printf("Failed to append %d records: %v", len(recs), err)
	} else {
		w.written.Add(uint64(len(recs)))
		for _, r := range recs {
			metrics.StreamRecords.WithLabelValues(string(r.Kind)).Inc()
		}
	}

	// Alerts go out even if storage failed.
	if w.sink != nil {
		for _, it := range items {
			if it.alert != nil {
				w.sink.Publish(it.alert)
			}
		}
	}
}

// WriterStats are the writer counters.
type WriterStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.input),
	}
}
