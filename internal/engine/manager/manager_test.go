package manager

import (
	"arpguard/internal/arpframe"
	"arpguard/internal/capture"
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/features"
	"arpguard/internal/model"
	"arpguard/internal/registry"
	"arpguard/internal/stream"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = arpframe.MAC("00:1b:63:00:00:0a")
	macB = arpframe.MAC("00:0c:29:00:00:0b")
	ipA  = arpframe.IP("10.0.0.10")
	ipB  = arpframe.IP("10.0.0.1")
	t0   = time.Unix(1700000000, 0)
)

type alertSink struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (s *alertSink) Publish(a *model.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func testConfig() *config.Config {
	return workersConfig(1)
}

func workersConfig(n int) *config.Config {
	cfg := config.Default()
	cfg.Engine.NumWorkers = n
	cfg.Engine.BalancePolicy = config.BalanceSourceAffinity
	cfg.Buffer.Overflow = config.OverflowBlock
	return cfg
}

type run struct {
	manager *Manager
	store   *stream.MemoryStore
	sink    *alertSink
}

// replay feeds frames through a fresh pipeline and waits until everything is stored.
func replay(t *testing.T, cfg *config.Config, frames []model.Frame) run {
	t.Helper()
	reg, err := registry.New(classifier.SeedModel(), registry.Options{})
	require.NoError(t, err)
	store := stream.NewMemoryStore(10000)
	sink := &alertSink{}

	m, err := NewManager(cfg, Deps{
		Scorer:  classifier.New(reg),
		Store:   store,
		Sink:    sink,
		Sources: []capture.Source{capture.NewSliceSource("test0", frames)},
	})
	require.NoError(t, err)
	m.Start(context.Background())
	m.Wait()
	m.Stop()
	return run{manager: m, store: store, sink: sink}
}

func (r run) records(t *testing.T) []model.Record {
	t.Helper()
	recs, err := r.store.Since(context.Background(), 0, 0)
	require.NoError(t, err)
	return recs
}

func gratuitousBurst(n int) []model.Frame {
	frames := make([]model.Frame, n)
	for i := range frames {
		frames[i] = arpframe.Frame(arpframe.Gratuitous(macA, ipA), t0.Add(time.Duration(i)*25*time.Millisecond), "")
	}
	return frames
}

func normalTraffic(rounds int) []model.Frame {
	var frames []model.Frame
	for i := 0; i < rounds; i++ {
		ts := t0.Add(time.Duration(i) * 10 * time.Second)
		frames = append(frames,
			arpframe.Frame(arpframe.Request(macA, ipA, ipB), ts, ""),
			arpframe.Frame(arpframe.Reply(macB, ipB, macA, ipA), ts.Add(10*time.Millisecond), ""),
		)
	}
	return frames
}

func TestGratuitousBurstRaisesOneAlert(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			r := replay(t, workersConfig(workers), gratuitousBurst(20))

			require.Len(t, r.sink.alerts, 1)
			alert := r.sink.alerts[0]
			assert.Contains(t, []model.Module{model.ModuleRule, model.ModuleHeuristic}, alert.Module)
			assert.GreaterOrEqual(t, alert.Severity, 0.8)
			assert.Equal(t, macA.String(), alert.SrcMAC)
			assert.Equal(t, ipA.String(), alert.SrcIP)
			assert.NotEmpty(t, alert.ID)
			assert.Contains(t, alert.Features, "gratuitous")

			recs := r.records(t)
			var alerts int
			for _, rec := range recs {
				if rec.Kind == model.RecordAlert {
					alerts++
					assert.Equal(t, alert.ID, rec.AlertID)
				}
			}
			assert.Equal(t, 1, alerts)

			stats := r.manager.Stats()
			assert.Equal(t, uint64(20), stats.Processed)
			assert.Equal(t, uint64(len(recs))+stats.Fusion.Suppressed, stats.Processed)
			require.Len(t, stats.Interfaces, 1)
			assert.Equal(t, uint64(20), stats.Interfaces[0].Captured)
		})
	}
}

func TestNormalTrafficRaisesNoAlert(t *testing.T) {
	r := replay(t, testConfig(), normalTraffic(10))

	assert.Empty(t, r.sink.alerts)
	recs := r.records(t)
	assert.Len(t, recs, 20)
	for _, rec := range recs {
		assert.Equal(t, model.RecordPassThrough, rec.Kind)
		assert.Less(t, rec.Score, 0.5)
	}
}

// manyHostsTraffic has n hosts each resolving the gateway once, ten seconds apart.
func manyHostsTraffic(n int) []model.Frame {
	var frames []model.Frame
	for i := 0; i < n; i++ {
		mac := arpframe.MAC(fmt.Sprintf("00:1b:63:00:01:%02x", i))
		ip := arpframe.IP(fmt.Sprintf("10.0.1.%d", i+1))
		ts := t0.Add(time.Duration(i) * 10 * time.Second)
		frames = append(frames,
			arpframe.Frame(arpframe.Request(mac, ip, ipB), ts, ""),
			arpframe.Frame(arpframe.Reply(macB, ipB, mac, ip), ts.Add(2*time.Millisecond), ""),
		)
	}
	return frames
}

func TestRepliesPairWithRequestsAcrossWorkers(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			r := replay(t, workersConfig(workers), manyHostsTraffic(200))

			stats := r.manager.Stats()
			assert.Equal(t, uint64(200), stats.History.Requests)
			assert.Equal(t, uint64(200), stats.History.Replies)
			assert.Equal(t, uint64(0), stats.History.Unsolicited)
			assert.Empty(t, r.sink.alerts)

			recs := r.records(t)
			assert.Len(t, recs, 400)
			for _, rec := range recs {
				assert.Equal(t, model.RecordPassThrough, rec.Kind)
				assert.Zero(t, rec.Features[slices.Index(features.Names, "unsolicited")], "seq %d", rec.Seq)
			}
		})
	}
}

func TestIPMACConflictRaisesRuleAlert(t *testing.T) {
	frames := []model.Frame{
		arpframe.Frame(arpframe.Request(macB, ipB, ipA), t0, ""),
		arpframe.Frame(arpframe.Reply(macA, ipB, macB, ipA), t0.Add(30*time.Second), ""),
	}
	r := replay(t, testConfig(), frames)

	require.Len(t, r.sink.alerts, 1)
	assert.Equal(t, model.ModuleRule, r.sink.alerts[0].Module)
	assert.Equal(t, 1.0, r.sink.alerts[0].Severity)
}

func TestReplayIsDeterministic(t *testing.T) {
	frames := append(normalTraffic(5), gratuitousBurst(10)...)
	first := replay(t, testConfig(), frames).records(t)
	second := replay(t, testConfig(), frames).records(t)

	require.Equal(t, len(first), len(second))
	for i := range first {
		a, b := first[i], second[i]
		assert.Equal(t, a.Seq, b.Seq)
		assert.Equal(t, a.Kind, b.Kind)
		assert.Equal(t, a.Module, b.Module)
		assert.Equal(t, a.Severity, b.Severity)
		assert.Equal(t, a.Score, b.Score)
		assert.Equal(t, a.Features, b.Features)
	}
}

func TestMalformedFramesAreCounted(t *testing.T) {
	frames := []model.Frame{
		{Data: []byte{0x01, 0x02}, Timestamp: t0},
		arpframe.Frame(arpframe.Request(macA, ipA, ipB), t0.Add(time.Second), ""),
	}
	r := replay(t, testConfig(), frames)

	stats := r.manager.Stats()
	assert.Equal(t, uint64(1), stats.ParseErrors)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Len(t, r.records(t), 1)
}

func TestRecorderCapturesFrames(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Capture.RecordPath = dir
	replay(t, cfg, gratuitousBurst(5))

	matches, err := filepath.Glob(filepath.Join(dir, "*.pcap"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	reader, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		_, _, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		n++
	}
	assert.Equal(t, 5, n)
}

func TestStopWithoutFrames(t *testing.T) {
	reg, err := registry.New(classifier.SeedModel(), registry.Options{})
	require.NoError(t, err)
	m, err := NewManager(testConfig(), Deps{Scorer: classifier.New(reg), Store: stream.NewMemoryStore(10)})
	require.NoError(t, err)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
	assert.Equal(t, uint64(0), m.Stats().Processed)

	_, err = NewManager(testConfig(), Deps{})
	assert.Error(t, err)
}
