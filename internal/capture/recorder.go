package capture

import (
	"arpguard/internal/model"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Recorder persists captured frames to a pcap file for later replay. A single
// goroutine writes so frames stay in capture order.
type Recorder struct {
	frames  chan model.Frame
	file    *os.File
	writer  *pcapgo.Writer
	wg      sync.WaitGroup
	dropped atomic.Uint64
	once    sync.Once
}

// NewRecorder creates dir if needed and starts writing to a timestamped pcap in it.
func NewRecorder(dir string, snaplen uint32, queueSize int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 10000
	}

	fileName := fmt.Sprintf("arp_%s.pcap", time.Now().Format("2006-01-02_15-04-05"))
	file, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create record file: %w", err)
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	r := &Recorder{
		frames: make(chan model.Frame, queueSize),
		file:   file,
		writer: writer,
	}
	r.wg.Add(1)
	go r.run()
	log.Printf("Recorder writing frames to %s", file.Name())
	return r, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.file.Name() }

func (r *Recorder) run() {
	defer r.wg.Done()
	for f := range r.frames {
		ci := gopacket.CaptureInfo{Timestamp: f.Timestamp, CaptureLength: len(f.Data), Length: len(f.Data)}
		if err := r.writer.WritePacket(ci, f.Data); err != nil {
			log.Printf("Recorder: Error writing frame: %v", err)
		}
	}
}

// Enqueue hands a frame to the writer without blocking; frames are dropped when the queue is full.
func (r *Recorder) Enqueue(f model.Frame) {
	select {
	case r.frames <- f:
	default:
		if r.dropped.Add(1)%1000 == 1 {
			log.Printf("Recorder: queue full, %d frames dropped so far", r.dropped.Load())
		}
	}
}

// Dropped returns how many frames were not recorded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close flushes queued frames and closes the file. Enqueue must not be called afterwards.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.frames)
		r.wg.Wait()
		err = r.file.Close()
	})
	return err
}
