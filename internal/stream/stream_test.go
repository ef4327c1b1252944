package stream

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(n int) []*model.Record {
	out := make([]*model.Record, n)
	for i := range out {
		out[i] = &model.Record{
			Kind:      model.RecordPassThrough,
			Timestamp: time.Unix(1700000000+int64(i), 0),
			Score:     float64(i) / float64(n),
			Features:  []float64{float64(i)},
		}
	}
	return out
}

func seqs(recs []model.Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Seq
	}
	return out
}

func TestMemoryStoreSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)

	batch := records(5)
	require.NoError(t, s.Append(ctx, batch))
	for i, r := range batch {
		assert.Equal(t, uint64(i+1), r.Seq)
	}
	require.NoError(t, s.Append(ctx, records(3)))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), latest)

	got, err := s.Since(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 7, 8}, seqs(got))

	got, err = s.Since(ctx, 8, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreSinceKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)
	require.NoError(t, s.Append(ctx, records(50)))

	got, err := s.Since(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{46, 47, 48, 49, 50}, seqs(got))
}

func TestMemoryStoreHoldout(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)
	require.NoError(t, s.Append(ctx, records(20)))

	got, err := s.Holdout(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 9, 10}, seqs(got))

	got, err = s.Holdout(ctx, 0, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreRingEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	require.NoError(t, s.Append(ctx, records(25)))
	assert.Equal(t, 10, s.Len())

	got, err := s.Since(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, uint64(16), got[0].Seq)
	assert.Equal(t, uint64(25), got[9].Seq)

	// Returned records are copies.
	got[0].Score = 42
	again, _ := s.Holdout(ctx, 16, 1)
	assert.NotEqual(t, 42.0, again[0].Score)
}

type captureSink struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (c *captureSink) Publish(a *model.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func TestWriterFlushesOnStop(t *testing.T) {
	store := NewMemoryStore(100)
	sink := &captureSink{}
	w := NewWriter(store, sink, 64)
	w.Start()

	for i, r := range records(10) {
		var alert *model.Alert
		if i == 3 {
			r.Kind = model.RecordAlert
			alert = &model.Alert{ID: "a-3", Module: model.ModuleRule}
		}
		assert.True(t, w.Submit(r, alert))
	}
	w.Stop()

	assert.Equal(t, 10, store.Len())
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "a-3", sink.alerts[0].ID)
	stats := w.Stats()
	assert.Equal(t, uint64(10), stats.Written)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestWriterDropsWhenFull(t *testing.T) {
	store := NewMemoryStore(100)
	w := NewWriter(store, nil, 2)
	recs := records(5)
	// Not started: the channel fills up.
	assert.True(t, w.Submit(recs[0], nil))
	assert.True(t, w.Submit(recs[1], nil))
	assert.False(t, w.Submit(recs[2], nil))
	assert.False(t, w.Submit(recs[3], nil))
	assert.Equal(t, uint64(2), w.Stats().Dropped)

	w.Start()
	w.Stop()
	assert.Equal(t, 2, store.Len())
}

func TestClickHouseStore(t *testing.T) {
	host := os.Getenv("ARPGUARD_TEST_CLICKHOUSE")
	if host == "" {
		t.Skip("ARPGUARD_TEST_CLICKHOUSE not set")
	}
	ctx := context.Background()
	cfg := config.Default().Stream.ClickHouse
	cfg.Host = host

	s, err := NewClickHouseStore(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	start, err := s.Latest(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, records(5)))

	got, err := s.Since(ctx, start, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{start + 3, start + 4, start + 5}, seqs(got))
}
