package history

import (
	"arpguard/internal/arpframe"
	"arpguard/internal/config"
	"arpguard/internal/model"
	"fmt"
	"math/rand"
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
	ipB  = arpframe.IP("10.0.0.1")
	t0   = time.Unix(1700000000, 0)
)

func testConfig() config.HistoryConfig {
	return config.Default().History
}

func newAnalyzer(t *testing.T, mutate func(*config.HistoryConfig)) *Analyzer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func request(mac net.HardwareAddr, sender, target net.IP, ts time.Time) *model.ArpRecord {
	return &model.ArpRecord{
		Timestamp: ts, Op: model.ArpRequest,
		EthSrc: mac, EthDst: arpframe.Broadcast,
		SenderMAC: mac, SenderIP: sender, TargetMAC: arpframe.ZeroMAC, TargetIP: target,
	}
}

func reply(mac net.HardwareAddr, sender net.IP, targetMAC net.HardwareAddr, target net.IP, ts time.Time) *model.ArpRecord {
	return &model.ArpRecord{
		Timestamp: ts, Op: model.ArpReply,
		EthSrc: mac, EthDst: targetMAC,
		SenderMAC: mac, SenderIP: sender, TargetMAC: targetMAC, TargetIP: target,
	}
}

func gratuitous(mac net.HardwareAddr, ip net.IP, ts time.Time) *model.ArpRecord {
	return reply(mac, ip, arpframe.Broadcast, ip, ts)
}

func TestFlags(t *testing.T) {
	a := newAnalyzer(t, nil)

	res := a.Observe(gratuitous(macA, ipA, t0))
	assert.True(t, res.Gratuitous)
	assert.False(t, res.Unsolicited, "gratuitous replies are not counted as unsolicited")

	probe := request(macB, net.IPv4zero.To4(), ipB, t0)
	res = a.Observe(probe)
	assert.True(t, res.Probe)
	assert.False(t, res.Gratuitous)

	announce := request(macB, ipB, ipB, t0)
	assert.True(t, a.Observe(announce).Gratuitous)
}

func TestUnsolicitedReply(t *testing.T) {
	a := newAnalyzer(t, nil)

	res := a.Observe(reply(macB, ipB, macA, ipA, t0))
	assert.True(t, res.Unsolicited)
	assert.InDelta(t, weightUnsolicited, res.Severity, 1e-9)

	a.Observe(request(macA, ipA, ipB, t0.Add(time.Second)))
	res = a.Observe(reply(macB, ipB, macA, ipA, t0.Add(time.Second+5*time.Millisecond)))
	assert.False(t, res.Unsolicited)

	// The request was consumed by the first reply.
	res = a.Observe(reply(macB, ipB, macA, ipA, t0.Add(2*time.Second)))
	assert.True(t, res.Unsolicited)
}

func TestExpiredRequestDoesNotMatch(t *testing.T) {
	a := newAnalyzer(t, func(c *config.HistoryConfig) { c.RequestTTL = config.Duration(time.Second) })
	a.Observe(request(macA, ipA, ipB, t0))
	res := a.Observe(reply(macB, ipB, macA, ipA, t0.Add(3*time.Second)))
	assert.True(t, res.Unsolicited)
}

func TestNormalExchangeHasNoSeverity(t *testing.T) {
	a := newAnalyzer(t, nil)
	var res Result
	for i := 0; i < 5; i++ {
		ts := t0.Add(time.Duration(i) * 40 * time.Second)
		a.Observe(request(macA, ipA, ipB, ts))
		res = a.Observe(reply(macB, ipB, macA, ipA, ts.Add(2*time.Millisecond)))
	}
	assert.False(t, res.Unsolicited)
	assert.Equal(t, 0.0, res.Severity)
	assert.Equal(t, 2, res.Count, "only entries inside the 60s timing window count")
}

func TestGratuitousBurstSeverity(t *testing.T) {
	a := newAnalyzer(t, nil)
	var res Result
	for i := 0; i < 20; i++ {
		res = a.Observe(gratuitous(macA, ipA, t0.Add(time.Duration(i)*25*time.Millisecond)))
		if i >= 1 {
			assert.GreaterOrEqual(t, res.Severity, 0.8, "frame %d", i)
		}
	}
	assert.Equal(t, 20, res.Count)
	assert.InDelta(t, 0.025, res.MeanIAT, 1e-9)
	assert.InDelta(t, 0.025, res.MinIAT, 1e-9)
	assert.InDelta(t, 0.0, res.StdIAT, 1e-9)
	assert.InDelta(t, 40.0, res.Rate, 1e-6)
	assert.LessOrEqual(t, res.Severity, 1.0)
}

func TestSeverityMonotoneInRate(t *testing.T) {
	severityAt := func(gap time.Duration) float64 {
		a := newAnalyzer(t, nil)
		var res Result
		for i := 0; i < 10; i++ {
			res = a.Observe(request(macA, ipA, ipB, t0.Add(time.Duration(i)*gap)))
		}
		return res.Severity
	}

	gaps := []time.Duration{time.Second, 200 * time.Millisecond, 90 * time.Millisecond, 70 * time.Millisecond, 50 * time.Millisecond, 20 * time.Millisecond, 5 * time.Millisecond}
	prev := -1.0
	for _, gap := range gaps {
		sev := severityAt(gap)
		assert.GreaterOrEqual(t, sev, prev, "gap %s", gap)
		prev = sev
	}
	assert.Equal(t, 0.0, severityAt(time.Second))
	assert.InDelta(t, weightRate+weightIAT, severityAt(5*time.Millisecond), 1e-9)
}

func TestThresholdsAreConfigurable(t *testing.T) {
	strict := newAnalyzer(t, func(c *config.HistoryConfig) {
		c.RateCeiling = 1
		c.IATFloor = config.Duration(2 * time.Second)
	})
	var res Result
	for i := 0; i < 5; i++ {
		res = strict.Observe(request(macA, ipA, ipB, t0.Add(time.Duration(i)*500*time.Millisecond)))
	}
	assert.Greater(t, res.Severity, 0.0)
}

func TestWindowCapacityIsBounded(t *testing.T) {
	a := newAnalyzer(t, func(c *config.HistoryConfig) { c.WindowSize = 8 })
	key := request(macA, ipA, ipB, t0).Key()
	for i := 0; i < 50; i++ {
		a.Observe(request(macA, ipA, ipB, t0.Add(time.Duration(i)*time.Second)))
		assert.LessOrEqual(t, a.WindowLen(key), 8)
	}
	assert.Equal(t, 8, a.WindowLen(key))
}

func TestKeyCountIsBounded(t *testing.T) {
	a := newAnalyzer(t, func(c *config.HistoryConfig) { c.MaxKeys = 32 })
	for i := 0; i < 1000; i++ {
		mac := net.HardwareAddr{0x02, 0, 0, byte(i >> 16), byte(i >> 8), byte(i)}
		ip := net.IPv4(10, byte(i>>16), byte(i>>8), byte(i)).To4()
		a.Observe(gratuitous(mac, ip, t0))
	}
	stats := a.Stats()
	assert.LessOrEqual(t, stats.Keys, 32)
	assert.GreaterOrEqual(t, stats.Evictions, uint64(1000-32))
}

func TestCorrelatedReplyObservedBeforeItsRequest(t *testing.T) {
	a := newAnalyzer(t, nil)
	req := request(macA, ipA, ipB, t0)
	rep := reply(macB, ipB, macA, ipA, t0.Add(5*time.Millisecond))
	a.Correlate(req)
	a.Correlate(rep)
	assert.False(t, rep.Unsolicited)

	// Different workers may observe the pair in either order.
	assert.False(t, a.Observe(rep).Unsolicited)
	a.Observe(req)

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, uint64(1), stats.Replies)
	assert.Equal(t, uint64(0), stats.Unsolicited)
}

func TestOrderingRobustness(t *testing.T) {
	const n = 40
	gap := 100 * time.Millisecond
	jitter := 3 // maximum displacement in positions

	var inOrder []*model.ArpRecord
	for i := 0; i < n; i++ {
		inOrder = append(inOrder, request(macA, ipA, ipB, t0.Add(time.Duration(i)*gap)))
	}

	shuffled := append([]*model.ArpRecord(nil), inOrder...)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i+jitter < len(shuffled); i += jitter {
		rng.Shuffle(jitter, func(x, y int) { shuffled[i+x], shuffled[i+y] = shuffled[i+y], shuffled[i+x] })
	}

	run := func(recs []*model.ArpRecord) Result {
		a := newAnalyzer(t, func(c *config.HistoryConfig) { c.WindowSize = 64 })
		var res Result
		for _, r := range recs {
			res = a.Observe(r)
		}
		return res
	}

	base, jittered := run(inOrder), run(shuffled)
	const tol = 1e-9
	assert.Equal(t, base.Count, jittered.Count)
	assert.InDelta(t, base.Rate, jittered.Rate, tol)
	assert.InDelta(t, base.MeanIAT, jittered.MeanIAT, tol)
	assert.InDelta(t, base.StdIAT, jittered.StdIAT, tol)
	assert.InDelta(t, base.MinIAT, jittered.MinIAT, tol)
	assert.InDelta(t, base.MaxIAT, jittered.MaxIAT, tol)
}

func TestConcurrentObserve(t *testing.T) {
	a := newAnalyzer(t, nil)
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				mac := arpframe.MAC(fmt.Sprintf("00:1b:63:00:%02x:%02x", w, i%16))
				a.Observe(gratuitous(mac, ipA, t0.Add(time.Duration(i)*time.Millisecond)))
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	assert.Equal(t, 64, a.Stats().Keys)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 1
	_, err := New(cfg)
	assert.Error(t, err)
}
