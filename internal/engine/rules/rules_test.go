package rules

import (
	"arpguard/internal/arpframe"
	"arpguard/internal/config"
	"arpguard/internal/engine/features/history"
	"arpguard/internal/model"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = arpframe.MAC("00:1b:63:00:00:0a")
	macB = arpframe.MAC("00:0c:29:00:00:0b")
	ipA  = arpframe.IP("10.0.0.10")
	ipGW = arpframe.IP("10.0.0.1")
	t0   = time.Unix(1700000000, 0)
)

func newFilter(t *testing.T, mutate func(*config.RulesConfig)) *Filter {
	t.Helper()
	cfg := config.Default().Rules
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func rec(mac net.HardwareAddr, ip net.IP, ts time.Time) *model.ArpRecord {
	return &model.ArpRecord{Timestamp: ts, Op: model.ArpReply, SenderMAC: mac, SenderIP: ip, TargetIP: ipA}
}

func TestIPMACConflict(t *testing.T) {
	f := newFilter(t, nil)

	assert.Nil(t, f.Evaluate(rec(macA, ipGW, t0), history.Result{}))
	assert.Nil(t, f.Evaluate(rec(macA, ipGW, t0.Add(time.Second)), history.Result{}), "same binding again")

	m := f.Evaluate(rec(macB, ipGW, t0.Add(2*time.Second)), history.Result{})
	require.NotNil(t, m)
	assert.Equal(t, config.SignatureIPMACConflict, m.Signature)
	assert.Contains(t, m.Reason, "10.0.0.1")

	v := m.Verdict()
	assert.Equal(t, model.ModuleRule, v.Module)
	assert.Equal(t, model.LabelAttack, v.Label)
	assert.Equal(t, 1.0, v.Confidence)

	// The table was rebound to macB.
	assert.Nil(t, f.Evaluate(rec(macB, ipGW, t0.Add(3*time.Second)), history.Result{}))
}

func TestProbesNeverBind(t *testing.T) {
	f := newFilter(t, nil)
	zero := net.IPv4zero.To4()
	assert.Nil(t, f.Evaluate(rec(macA, zero, t0), history.Result{Probe: true}))
	assert.Nil(t, f.Evaluate(rec(macB, zero, t0), history.Result{Probe: true}))
}

func TestGratuitousFlood(t *testing.T) {
	f := newFilter(t, func(c *config.RulesConfig) { c.Signatures = []string{config.SignatureGratuitousFlood} })
	flags := history.Result{Gratuitous: true}

	first := -1
	for i := 0; i < 20; i++ {
		m := f.Evaluate(rec(macA, ipA, t0.Add(time.Duration(i)*25*time.Millisecond)), flags)
		if m != nil && first < 0 {
			first = i
			assert.Equal(t, config.SignatureGratuitousFlood, m.Signature)
		}
	}
	assert.Equal(t, 5, first, "the sixth announcement within the window fires")
}

func TestGratuitousBelowThreshold(t *testing.T) {
	f := newFilter(t, nil)
	flags := history.Result{Gratuitous: true}
	for i := 0; i < 20; i++ {
		// one announcement every two seconds never packs six into five seconds
		m := f.Evaluate(rec(macA, ipA, t0.Add(time.Duration(i)*2*time.Second)), flags)
		assert.Nil(t, m, "frame %d", i)
	}
}

func TestUnsolicitedFlood(t *testing.T) {
	f := newFilter(t, nil)
	flags := history.Result{Unsolicited: true}
	var fired []int
	for i := 0; i < 6; i++ {
		if m := f.Evaluate(rec(macB, ipGW, t0.Add(time.Duration(i)*100*time.Millisecond)), flags); m != nil {
			assert.Equal(t, config.SignatureUnsolicitedFlood, m.Signature)
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{3, 4, 5}, fired)
}

func TestDisabledSignatures(t *testing.T) {
	f := newFilter(t, func(c *config.RulesConfig) { c.Signatures = nil })
	assert.Nil(t, f.Evaluate(rec(macA, ipGW, t0), history.Result{}))
	assert.Nil(t, f.Evaluate(rec(macB, ipGW, t0), history.Result{}))
}

func TestFirstMatchWinsButAllAdvance(t *testing.T) {
	f := newFilter(t, nil)
	flags := history.Result{Gratuitous: true}
	for i := 0; i < 5; i++ {
		f.Evaluate(rec(macA, ipA, t0.Add(time.Duration(i)*time.Millisecond)), flags)
	}
	// Bound to macA. macB announces ipA: conflict wins, flood state for macB starts.
	m := f.Evaluate(rec(macB, ipA, t0.Add(10*time.Millisecond)), flags)
	require.NotNil(t, m)
	assert.Equal(t, config.SignatureIPMACConflict, m.Signature)

	// macA's sixth announcement: conflict (rebind back to macA) and flood both fire.
	m = f.Evaluate(rec(macA, ipA, t0.Add(20*time.Millisecond)), flags)
	require.NotNil(t, m)
	stats := f.Stats()
	assert.Equal(t, uint64(2), stats.Matches[config.SignatureIPMACConflict])
	assert.Equal(t, uint64(1), stats.Matches[config.SignatureGratuitousFlood])
	assert.Equal(t, uint64(7), stats.Evaluated)
}

func TestBindingTableIsBounded(t *testing.T) {
	f := newFilter(t, func(c *config.RulesConfig) { c.MaxBindings = 16 })
	for i := 0; i < 500; i++ {
		ip := net.IPv4(10, 1, byte(i>>8), byte(i)).To4()
		f.Evaluate(rec(macA, ip, t0), history.Result{})
	}
	total := 0
	for _, sh := range f.bindings {
		total += sh.table.Len()
	}
	assert.LessOrEqual(t, total, 16)
}

func TestUnknownSignature(t *testing.T) {
	cfg := config.Default().Rules
	cfg.Signatures = []string{"port_scan"}
	_, err := New(cfg)
	assert.Error(t, err)
}
