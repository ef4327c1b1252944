package capture

import (
	"arpguard/internal/model"
	pcapfile "arpguard/pkg/pcap"
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Source produces raw frames from one interface or capture file. Run blocks
// until the source is exhausted, ctx is done, or emit returns false.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(model.Frame) bool) error
}

// CaptureError reports the failure of a single source. It is fatal for that
// source only; restarting it is left to the operator.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture on %s failed: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// SliceSource replays frames held in memory.
type SliceSource struct {
	name   string
	frames []model.Frame
}

// NewSliceSource creates a source over frames.
func NewSliceSource(name string, frames []model.Frame) *SliceSource {
	return &SliceSource{name: name, frames: frames}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Run(ctx context.Context, emit func(model.Frame) bool) error {
	for _, f := range s.frames {
		if ctx.Err() != nil {
			return nil
		}
		if f.Interface == "" {
			f.Interface = s.name
		}
		if !emit(f) {
			return nil
		}
	}
	return nil
}

// FileSource replays a pcap/pcapng file. With pacing enabled the original
// inter-frame gaps are reproduced.
type FileSource struct {
	path string
	name string
	pace bool
}

// NewFileSource creates a source reading path.
func NewFileSource(path string, pace bool) *FileSource {
	return &FileSource{path: path, name: "file:" + path, pace: pace}
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Run(ctx context.Context, emit func(model.Frame) bool) error {
	reader, err := pcapfile.NewReader(s.path, s.name)
	if err != nil {
		return &CaptureError{Source: s.name, Err: err}
	}
	defer reader.Close()

	var last time.Time
	err = reader.ReadFrames(func(f model.Frame) bool {
		if s.pace && !last.IsZero() {
			if gap := f.Timestamp.Sub(last); gap > 0 {
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					return false
				}
			}
		}
		last = f.Timestamp
		if ctx.Err() != nil {
			return false
		}
		return emit(f)
	})
	if err != nil {
		return &CaptureError{Source: s.name, Err: err}
	}
	return nil
}

// InterfaceStats counts traffic seen on one source.
type InterfaceStats struct {
	name     string
	started  time.Time
	captured atomic.Uint64
	dropped  atomic.Uint64
	bytes    atomic.Uint64
	errors   atomic.Uint64
}

// InterfaceSnapshot is a point-in-time copy of InterfaceStats.
type InterfaceSnapshot struct {
	Name     string        `json:"name"`
	Captured uint64        `json:"packets_captured"`
	Dropped  uint64        `json:"packets_dropped"`
	Bytes    uint64        `json:"bytes_captured"`
	Errors   uint64        `json:"errors"`
	Rate     float64       `json:"packet_rate"`
	Uptime   time.Duration `json:"uptime"`
}

// NewInterfaceStats starts the uptime clock for name.
func NewInterfaceStats(name string) *InterfaceStats {
	return &InterfaceStats{name: name, started: time.Now()}
}

// Captured records one frame accepted from the source.
func (s *InterfaceStats) Captured(n int) {
	s.captured.Add(1)
	s.bytes.Add(uint64(n))
}

// Dropped records one frame the buffer refused.
func (s *InterfaceStats) Dropped() { s.dropped.Add(1) }

// Error records a source failure.
func (s *InterfaceStats) Error() { s.errors.Add(1) }

// Snapshot returns the current counters.
func (s *InterfaceStats) Snapshot() InterfaceSnapshot {
	uptime := time.Since(s.started)
	snap := InterfaceSnapshot{
		Name:     s.name,
		Captured: s.captured.Load(),
		Dropped:  s.dropped.Load(),
		Bytes:    s.bytes.Load(),
		Errors:   s.errors.Load(),
		Uptime:   uptime,
	}
	if secs := uptime.Seconds(); secs > 0 {
		snap.Rate = float64(snap.Captured) / secs
	}
	return snap
}
