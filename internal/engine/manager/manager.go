package manager

import (
	"arpguard/internal/capture"
	"arpguard/internal/config"
	"arpguard/internal/engine/features"
	"arpguard/internal/engine/features/history"
	"arpguard/internal/engine/fusion"
	"arpguard/internal/engine/protocol"
	"arpguard/internal/engine/rules"
	"arpguard/internal/metrics"
	"arpguard/internal/model"
	"arpguard/internal/stream"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const reportInterval = 30 * time.Second

// Deps are the components the manager drives but does not configure itself.
type Deps struct {
	Scorer  fusion.Scorer
	Store   stream.Store
	Sink    stream.AlertSink
	Sources []capture.Source
}

// Manager orchestrates the detection pipeline: sources feed the buffer, a
// single dispatcher parses each frame, pairs replies with requests in capture
// order and moves the record to a per-worker queue, and each worker extracts,
// filters and fuses before handing the result to the stream writer.
type Manager struct {
	sources   []capture.Source
	ifaces    map[string]*capture.InterfaceStats
	buffer    *capture.Buffer
	balancer  *capture.Balancer
	extractor *features.Extractor
	rules     *rules.Filter
	fusion    *fusion.Fusion
	writer    *stream.Writer
	recorder  *capture.Recorder

	cancel       context.CancelFunc
	sourceWg     sync.WaitGroup
	dispatchDone chan struct{}
	workerWg     sync.WaitGroup
	reporterWg   sync.WaitGroup
	sourcesDone  chan struct{}
	done         chan struct{}
	stopOnce     sync.Once

	processed   atomic.Uint64
	parseErrors atomic.Uint64
	captureErrs atomic.Uint64
}

// NewManager builds every detection stage from cfg.
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Scorer == nil || deps.Store == nil {
		return nil, errors.New("manager needs a scorer and a record store")
	}
	extractor, err := features.NewExtractor(cfg.Vendor, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature extractor: %w", err)
	}
	filter, err := rules.New(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule filter: %w", err)
	}
	fuse, err := fusion.New(cfg.Fusion, deps.Scorer)
	if err != nil {
		return nil, fmt.Errorf("failed to create fusion stage: %w", err)
	}
	balancer, err := capture.NewBalancer(cfg.Engine.BalancePolicy, cfg.Engine.NumWorkers, cfg.Engine.WorkerQueueSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create balancer: %w", err)
	}

	m := &Manager{
		sources:      deps.Sources,
		ifaces:       make(map[string]*capture.InterfaceStats, len(deps.Sources)),
		buffer:       capture.NewBuffer(cfg.Buffer),
		balancer:     balancer,
		extractor:    extractor,
		rules:        filter,
		fusion:       fuse,
		writer:       stream.NewWriter(deps.Store, deps.Sink, cfg.Engine.RecordChannelSize),
		dispatchDone: make(chan struct{}),
		sourcesDone:  make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, src := range deps.Sources {
		m.ifaces[src.Name()] = capture.NewInterfaceStats(src.Name())
	}

	if cfg.Capture.RecordPath != "" {
		m.recorder, err = capture.NewRecorder(cfg.Capture.RecordPath, uint32(cfg.Capture.SnapshotLen), cfg.Buffer.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create recorder: %w", err)
		}
	}
	return m, nil
}

// Start launches the writer, workers, dispatcher, reporter and every source.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.writer.Start()

	m.workerWg.Add(m.balancer.Workers())
	for i := 0; i < m.balancer.Workers(); i++ {
		go m.worker(i)
	}

	go m.dispatch()

	m.reporterWg.Add(1)
	go m.runReporter()

	m.sourceWg.Add(len(m.sources))
	for _, src := range m.sources {
		go m.runSource(ctx, src)
	}
	go func() {
		m.sourceWg.Wait()
		m.buffer.Close()
		close(m.sourcesDone)
	}()

	log.Printf("Manager started with %d workers and %d source(s).", m.balancer.Workers(), len(m.sources))
}

func (m *Manager) runSource(ctx context.Context, src capture.Source) {
	defer m.sourceWg.Done()
	stats := m.ifaces[src.Name()]
	label := metrics.FramesCaptured.WithLabelValues(src.Name())

	err := src.Run(ctx, func(f model.Frame) bool {
		stats.Captured(len(f.Data))
		label.Inc()
		if m.recorder != nil {
			m.recorder.Enqueue(f)
		}
		if !m.buffer.Push(ctx, f) {
			stats.Dropped()
			metrics.FramesDropped.WithLabelValues("buffer").Inc()
		}
		return ctx.Err() == nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		stats.Error()
		m.captureErrs.Add(1)
		log.Printf("ERROR: %v", err)
		return
	}
	log.Printf("Source %s finished.", src.Name())
}

// dispatch drains the buffer into the worker queues until the buffer is
// closed and empty. Request/reply correlation happens here, in capture order,
// because the two sides of an exchange usually land on different workers.
func (m *Manager) dispatch() {
	defer close(m.dispatchDone)
	ctx := context.Background()
	for {
		batch := m.buffer.NextBatch(ctx)
		if batch == nil {
			return
		}
		for _, f := range batch {
			rec, err := protocol.ParseFrame(f)
			if err != nil {
				m.parseErrors.Add(1)
				kind, _ := protocol.KindOf(err)
				metrics.ParseErrors.WithLabelValues(string(kind)).Inc()
				continue
			}
			m.extractor.History().Correlate(rec)
			if err := m.balancer.Dispatch(ctx, rec); err != nil {
				log.Printf("Failed to dispatch record: %v", err)
			}
		}
	}
}

func (m *Manager) worker(i int) {
	defer m.workerWg.Done()
	for rec := range m.balancer.Queue(i) {
		m.process(rec)
	}
}

// process runs one record through the detection stages.
func (m *Manager) process(rec *model.ArpRecord) {
	start := time.Now()
	obs := m.extractor.Observe(rec)
	match := m.rules.Evaluate(rec, obs.History)
	d := m.fusion.Decide(obs, match)
	if d.Record != nil {
		m.writer.Submit(d.Record, d.Alert)
	}
	m.processed.Add(1)
	metrics.DetectionLatency.Observe(time.Since(start).Seconds())
}

// runReporter periodically publishes buffer gauges and logs a summary.
func (m *Manager) runReporter() {
	defer m.reporterWg.Done()
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := m.buffer.Stats()
			metrics.BufferUtilization.Set(s.Utilization)
			fs := m.fusion.Stats()
			log.Printf("Processed %d frames, %d parse errors, buffer %.1f%% full, %d pass-through, %d suppressed",
				m.processed.Load(), m.parseErrors.Load(), s.Utilization*100, fs.PassThrough, fs.Suppressed)
		case <-m.done:
			return
		}
	}
}

// Wait blocks until every source has finished on its own, as file replays do.
func (m *Manager) Wait() {
	<-m.sourcesDone
}

// Stop cancels the sources, processes every frame already buffered, flushes
// the stream writer and closes the recorder. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		log.Println("Manager stopping...")
		// 1. Stop the sources; the buffer closes once they return.
		m.cancel()
		<-m.sourcesDone

		// 2. Drain the buffer into the worker queues, then close them.
		<-m.dispatchDone
		m.balancer.Close()

		// 3. Wait for the workers to finish queued frames.
		log.Println("Waiting for workers to finish...")
		m.workerWg.Wait()

		// 4. Flush records and alerts.
		m.writer.Stop()
		if m.recorder != nil {
			if err := m.recorder.Close(); err != nil {
				log.Printf("Failed to close recorder: %v", err)
			}
		}

		close(m.done)
		m.reporterWg.Wait()
		log.Println("Manager stopped.")
	})
}

// Stats is a snapshot of every pipeline counter.
type Stats struct {
	Processed     uint64                      `json:"processed"`
	ParseErrors   uint64                      `json:"parse_errors"`
	CaptureErrors uint64                      `json:"capture_errors"`
	Interfaces    []capture.InterfaceSnapshot `json:"interfaces"`
	Buffer        capture.BufferStats         `json:"buffer"`
	WorkerLoads   []int                       `json:"worker_loads"`
	History       history.Stats               `json:"history"`
	Rules         rules.Stats                 `json:"rules"`
	Fusion        fusion.Stats                `json:"fusion"`
	Writer        stream.WriterStats          `json:"writer"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Processed:     m.processed.Load(),
		ParseErrors:   m.parseErrors.Load(),
		CaptureErrors: m.captureErrs.Load(),
		Buffer:        m.buffer.Stats(),
		WorkerLoads:   m.balancer.Loads(),
		History:       m.extractor.History().Stats(),
		Rules:         m.rules.Stats(),
		Fusion:        m.fusion.Stats(),
		Writer:        m.writer.Stats(),
	}
	for _, src := range m.sources {
		s.Interfaces = append(s.Interfaces, m.ifaces[src.Name()].Snapshot())
	}
	return s
}
