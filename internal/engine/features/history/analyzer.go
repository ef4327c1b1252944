// Package history tracks recent ARP activity per sender and derives timing
// and behaviour features from it.
package history

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"fmt"
	"hash/fnv"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const numShards = 16

// Severity weights.
const (
	weightGratuitous  = 0.4
	weightProbe       = 0.1
	weightUnsolicited = 0.5
	weightRate        = 0.3
	weightIAT         = 0.2
)

// Result is what the analyzer learned from one record.
type Result struct {
	Key         model.SourceKey
	Gratuitous  bool
	Probe       bool
	Unsolicited bool
	// Count is the number of window entries inside the timing window.
	Count    int
	Rate     float64
	MinIAT   float64
	MaxIAT   float64
	MeanIAT  float64
	StdIAT   float64
	Severity float64
	Reasons  []string
}

// window is a fixed-capacity ring of the most recent timestamps for one key.
type window struct {
	entries []time.Time
	next    int
	full    bool
}

func newWindow(capacity int) *window {
	return &window{entries: make([]time.Time, capacity)}
}

func (w *window) add(ts time.Time) {
	w.entries[w.next] = ts
	w.next++
	if w.next == len(w.entries) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.entries)
	}
	return w.next
}

func (w *window) timestamps() []time.Time {
	return slices.Clone(w.entries[:w.len()])
}

type shard struct {
	mu      sync.Mutex
	windows *simplelru.LRU[model.SourceKey, *window]
}

type pendingKey struct {
	requester [4]byte
	target    [4]byte
}

type pendingShard struct {
	mu   sync.Mutex
	reqs *simplelru.LRU[pendingKey, time.Time]
}

// Analyzer keeps a bounded window per (sender MAC, sender IP) and a bounded
// table of outstanding requests. State is split over shards, each with its own
// lock, so workers handling different senders do not contend.
type Analyzer struct {
	windowSize   int
	timingWindow time.Duration
	requestTTL   time.Duration
	rateCeiling  float64
	iatFloor     float64

	shards  [numShards]*shard
	pending [numShards]*pendingShard

	evictions  atomic.Uint64
	gratuitous atomic.Uint64
	probes     atomic.Uint64
	requests   atomic.Uint64
	replies    atomic.Uint64
	unmatched  atomic.Uint64
}

// Stats are the analyzer's running counters.
type Stats struct {
	Keys        int    `json:"keys"`
	Evictions   uint64 `json:"evictions"`
	Gratuitous  uint64 `json:"gratuitous"`
	Probes      uint64 `json:"probes"`
	Requests    uint64 `json:"requests"`
	Replies     uint64 `json:"replies"`
	Unsolicited uint64 `json:"unsolicited_replies"`
}

// New creates an analyzer. MaxKeys is split evenly over the shards.
func New(cfg config.HistoryConfig) (*Analyzer, error) {
	if cfg.MaxKeys <= 0 || cfg.WindowSize < 2 {
		return nil, fmt.Errorf("history needs max_keys > 0 and window_size >= 2, got %d and %d", cfg.MaxKeys, cfg.WindowSize)
	}
	perShard := (cfg.MaxKeys + numShards - 1) / numShards

	a := &Analyzer{
		windowSize:   cfg.WindowSize,
		timingWindow: cfg.TimingWindow.D(),
		requestTTL:   cfg.RequestTTL.D(),
		rateCeiling:  cfg.RateCeiling,
		iatFloor:     cfg.IATFloor.D().Seconds(),
	}
	onEvict := func(model.SourceKey, *window) { a.evictions.Add(1) }
	for i := range a.shards {
		windows, err := simplelru.NewLRU[model.SourceKey, *window](perShard, onEvict)
		if err != nil {
			return nil, err
		}
		reqs, err := simplelru.NewLRU[pendingKey, time.Time](perShard, nil)
		if err != nil {
			return nil, err
		}
		a.shards[i] = &shard{windows: windows}
		a.pending[i] = &pendingShard{reqs: reqs}
	}
	return a, nil
}

func shardIndex(b []byte) int {
	h := fnv.New32a()
	h.Write(b)
	return int(h.Sum32() % numShards)
}

func (a *Analyzer) shardFor(k model.SourceKey) *shard {
	var buf [10]byte
	copy(buf[:6], k.MAC[:])
	copy(buf[6:], k.IP[:])
	return a.shards[shardIndex(buf[:])]
}

func (a *Analyzer) pendingFor(k pendingKey) *pendingShard {
	var buf [8]byte
	copy(buf[:4], k.requester[:])
	copy(buf[4:], k.target[:])
	return a.pending[shardIndex(buf[:])]
}

// Correlate matches rec against the outstanding requests and marks it. A
// request becomes outstanding; a reply that answers none is unsolicited.
// Requests and replies of one exchange come from different senders, so
// Correlate must see records in capture order: the pipeline calls it from its
// single dispatcher before records fan out to workers. A record that is
// already correlated is left as is.
func (a *Analyzer) Correlate(rec *model.ArpRecord) {
	if rec.Correlated {
		return
	}
	rec.Correlated = true
	switch rec.Op {
	case model.ArpRequest:
		a.requests.Add(1)
		a.rememberRequest(rec)
	case model.ArpReply:
		a.replies.Add(1)
		if !IsGratuitous(rec) && !a.matchRequest(rec) {
			rec.Unsolicited = true
			a.unmatched.Add(1)
		}
	}
}

// Observe records rec and returns the features for it. Records that were not
// correlated beforehand are correlated here.
func (a *Analyzer) Observe(rec *model.ArpRecord) Result {
	a.Correlate(rec)

	res := Result{Key: rec.Key()}
	res.Gratuitous = IsGratuitous(rec)
	res.Probe = IsProbe(rec)
	res.Unsolicited = rec.Unsolicited
	if res.Gratuitous {
		a.gratuitous.Add(1)
	}
	if res.Probe {
		a.probes.Add(1)
	}

	sh := a.shardFor(res.Key)
	sh.mu.Lock()
	w, ok := sh.windows.Get(res.Key)
	if !ok {
		w = newWindow(a.windowSize)
		sh.windows.Add(res.Key, w)
	}
	w.add(rec.Timestamp)
	stamps := w.timestamps()
	sh.mu.Unlock()

	a.timing(&res, stamps)
	a.score(&res)
	return res
}

// timing fills the inter-arrival statistics. Timestamps are sorted first, so a
// window filled out of order yields the same numbers as an in-order one.
func (a *Analyzer) timing(res *Result, stamps []time.Time) {
	slices.SortFunc(stamps, func(x, y time.Time) int { return x.Compare(y) })

	latest := stamps[len(stamps)-1]
	start := 0
	if a.timingWindow > 0 {
		for start < len(stamps) && latest.Sub(stamps[start]) > a.timingWindow {
			start++
		}
	}
	stamps = stamps[start:]
	res.Count = len(stamps)
	if res.Count < 2 {
		return
	}

	var sum float64
	res.MinIAT = math.Inf(1)
	for i := 1; i < len(stamps); i++ {
		iat := stamps[i].Sub(stamps[i-1]).Seconds()
		sum += iat
		res.MinIAT = math.Min(res.MinIAT, iat)
		res.MaxIAT = math.Max(res.MaxIAT, iat)
	}
	n := float64(len(stamps) - 1)
	res.MeanIAT = sum / n

	var variance float64
	for i := 1; i < len(stamps); i++ {
		d := stamps[i].Sub(stamps[i-1]).Seconds() - res.MeanIAT
		variance += d * d
	}
	res.StdIAT = math.Sqrt(variance / n)

	span := stamps[len(stamps)-1].Sub(stamps[0])
	if span < time.Millisecond {
		span = time.Millisecond
	}
	res.Rate = n / span.Seconds()
}

// score sums the weighted indicators. The rate and inter-arrival terms ramp
// linearly from their thresholds to full weight at twice the ceiling and half
// the floor respectively.
func (a *Analyzer) score(res *Result) {
	var sev float64
	if res.Gratuitous {
		sev += weightGratuitous
		res.Reasons = append(res.Reasons, "gratuitous ARP")
	}
	if res.Probe {
		sev += weightProbe
		res.Reasons = append(res.Reasons, "ARP probe")
	}
	if res.Unsolicited {
		sev += weightUnsolicited
		res.Reasons = append(res.Reasons, "unsolicited reply")
	}
	if res.Count >= 2 {
		if a.rateCeiling > 0 && res.Rate > a.rateCeiling {
			sev += weightRate * clamp01((res.Rate-a.rateCeiling)/a.rateCeiling)
			res.Reasons = append(res.Reasons, fmt.Sprintf("high packet rate %.1f pkt/s", res.Rate))
		}
		if a.iatFloor > 0 && res.MeanIAT < a.iatFloor {
			sev += weightIAT * clamp01((a.iatFloor-res.MeanIAT)/(a.iatFloor/2))
			res.Reasons = append(res.Reasons, fmt.Sprintf("rapid packets %.1fms apart", res.MeanIAT*1000))
		}
	}
	res.Severity = math.Min(sev, 1)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (a *Analyzer) rememberRequest(rec *model.ArpRecord) {
	k := makePendingKey(rec.SenderIP, rec.TargetIP)
	ps := a.pendingFor(k)
	ps.mu.Lock()
	ps.reqs.Add(k, rec.Timestamp)
	ps.mu.Unlock()
}

// matchRequest consumes the request this reply answers, if one is outstanding.
func (a *Analyzer) matchRequest(rec *model.ArpRecord) bool {
	k := makePendingKey(rec.TargetIP, rec.SenderIP)
	ps := a.pendingFor(k)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	asked, ok := ps.reqs.Peek(k)
	if !ok {
		return false
	}
	ps.reqs.Remove(k)
	if a.requestTTL > 0 && rec.Timestamp.Sub(asked) > a.requestTTL {
		return false
	}
	return true
}

func makePendingKey(requester, target net.IP) pendingKey {
	var k pendingKey
	copy(k.requester[:], requester.To4())
	copy(k.target[:], target.To4())
	return k
}

// Len returns the number of tracked senders.
func (a *Analyzer) Len() int {
	total := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		total += sh.windows.Len()
		sh.mu.Unlock()
	}
	return total
}

// WindowLen returns how many entries are held for k, or 0 if k is not tracked.
func (a *Analyzer) WindowLen(k model.SourceKey) int {
	sh := a.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok := sh.windows.Peek(k); ok {
		return w.len()
	}
	return 0
}

// Stats returns the running counters.
func (a *Analyzer) Stats() Stats {
	return Stats{
		Keys:        a.Len(),
		Evictions:   a.evictions.Load(),
		Gratuitous:  a.gratuitous.Load(),
		Probes:      a.probes.Load(),
		Requests:    a.requests.Load(),
		Replies:     a.replies.Load(),
		Unsolicited: a.unmatched.Load(),
	}
}

// IsGratuitous reports whether rec announces its own address: sender and
// target IP are equal, or it is a reply sent to the broadcast address.
func IsGratuitous(rec *model.ArpRecord) bool {
	if rec.SenderIP.Equal(rec.TargetIP) && !rec.SenderIP.Equal(net.IPv4zero) {
		return true
	}
	return rec.Op == model.ArpReply && (isBroadcast(rec.TargetMAC) || isBroadcast(rec.EthDst))
}

// IsProbe reports whether rec is an address conflict probe.
func IsProbe(rec *model.ArpRecord) bool {
	return rec.Op == model.ArpRequest && rec.SenderIP.Equal(net.IPv4zero)
}

func isBroadcast(mac net.HardwareAddr) bool {
	if len(mac) == 0 {
		return false
	}
	for _, b := range mac {
		if b != 0xff {
			return false
		}
	}
	return true
}
