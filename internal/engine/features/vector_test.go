package features

import (
	"arpguard/internal/arpframe"
	"arpguard/internal/config"
	"arpguard/internal/engine/protocol"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	cfg := config.Default()
	e, err := NewExtractor(cfg.Vendor, cfg.History)
	require.NoError(t, err)
	return e
}

func TestVectorLayout(t *testing.T) {
	e := newExtractor(t)
	mac := arpframe.MAC("00:1b:63:00:00:01")
	ip := arpframe.IP("10.0.0.5")
	ts := time.Unix(1700000000, 0)

	rec, err := protocol.ParseFrame(arpframe.Frame(arpframe.Gratuitous(mac, ip), ts, "eth0"))
	require.NoError(t, err)
	obs := e.Observe(rec)

	require.Len(t, obs.Vector, Len)
	assert.Equal(t, 0.0, obs.Vector.Get("is_request"))
	assert.Equal(t, 1.0, obs.Vector.Get("is_reply"))
	assert.Equal(t, 1.0, obs.Vector.Get("gratuitous"))
	assert.Equal(t, 1.0, obs.Vector.Get("src_vendor_known"))
	assert.Equal(t, 0.0, obs.Vector.Get("src_local_admin"))
	assert.InDelta(t, 0.4, obs.Vector.Get("severity"), 1e-9)
	assert.Equal(t, maxIAT, obs.Vector.Get("mean_iat"), "a single observation has no inter-arrival time")
	assert.InDelta(t, 1.0/64, obs.Vector.Get("window_fill"), 1e-9)
	assert.Equal(t, 0.0, obs.Vector.Get("no_such_feature"))

	snap := obs.Vector.Snapshot()
	assert.Len(t, snap, Len)
	assert.Equal(t, obs.Vector.Get("severity"), snap["severity"])
}

func TestVectorDeterministic(t *testing.T) {
	mac := arpframe.MAC("02:00:00:00:00:09")
	ip := arpframe.IP("10.0.0.9")
	target := arpframe.IP("10.0.0.1")
	base := time.Unix(1700000000, 0)

	run := func() Vector {
		e := newExtractor(t)
		var v Vector
		for i := 0; i < 5; i++ {
			rec, err := protocol.ParseFrame(arpframe.Frame(arpframe.Request(mac, ip, target), base.Add(time.Duration(i)*10*time.Millisecond), "eth0"))
			require.NoError(t, err)
			v = e.Observe(rec).Vector
		}
		return v
	}
	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, first.Get("src_local_admin"))
	assert.Greater(t, first.Get("log_rate"), 0.0)
	assert.InDelta(t, 0.01, first.Get("mean_iat"), 1e-9)
}

func TestNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, n := range Names {
		assert.False(t, seen[n], "duplicate feature %q", n)
		seen[n] = true
	}
}
