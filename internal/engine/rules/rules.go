// Package rules is the deterministic signature filter that runs before the
// classifier. Each signature is a small automaton over per-key state held in
// bounded LRU tables; a frame costs O(1) per enabled signature.
package rules

import (
	"arpguard/internal/config"
	"arpguard/internal/engine/features/history"
	"arpguard/internal/model"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const numShards = 16

// Match is the accepting state of a signature.
type Match struct {
	Signature string
	Reason    string
}

// Verdict converts m into the fusion input for the rule module.
func (m *Match) Verdict() model.Verdict {
	return model.Verdict{
		Module:     model.ModuleRule,
		Label:      model.LabelAttack,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("%s: %s", m.Signature, m.Reason),
	}
}

// burst is a fixed ring of the last n event timestamps for one key.
type burst struct {
	stamps []time.Time
	next   int
	full   bool
}

func newBurst(n int) *burst { return &burst{stamps: make([]time.Time, n)} }

// add records ts and reports whether the ring is full and spans at most window.
func (b *burst) add(ts time.Time, window time.Duration) bool {
	b.stamps[b.next] = ts
	b.next++
	if b.next == len(b.stamps) {
		b.next = 0
		b.full = true
	}
	if !b.full {
		return false
	}
	lo, hi := b.stamps[0], b.stamps[0]
	for _, s := range b.stamps[1:] {
		if s.Before(lo) {
			lo = s
		}
		if s.After(hi) {
			hi = s
		}
	}
	return hi.Sub(lo) <= window
}

type bindingShard struct {
	mu    sync.Mutex
	table *simplelru.LRU[[4]byte, [6]byte]
}

type burstShard struct {
	mu    sync.Mutex
	table *simplelru.LRU[[6]byte, *burst]
}

// Filter evaluates the configured signatures. It is safe for concurrent use;
// state is sharded by key.
type Filter struct {
	conflict    bool
	gratuitous  bool
	unsolicited bool

	gratuitousSize    int
	gratuitousWindow  time.Duration
	unsolicitedSize   int
	unsolicitedWindow time.Duration

	bindings   [numShards]*bindingShard
	gratBursts [numShards]*burstShard
	unsBursts  [numShards]*burstShard

	evaluated atomic.Uint64
	matches   map[string]*atomic.Uint64
}

// New builds a filter with the signatures named in cfg.
func New(cfg config.RulesConfig) (*Filter, error) {
	if cfg.MaxBindings <= 0 {
		return nil, fmt.Errorf("rules need max_bindings > 0, got %d", cfg.MaxBindings)
	}
	f := &Filter{
		gratuitousSize:    cfg.GratuitousThreshold + 1,
		gratuitousWindow:  cfg.GratuitousWindow.D(),
		unsolicitedSize:   cfg.UnsolicitedThreshold + 1,
		unsolicitedWindow: cfg.UnsolicitedWindow.D(),
		matches:           make(map[string]*atomic.Uint64),
	}
	for _, sig := range cfg.Signatures {
		switch sig {
		case config.SignatureIPMACConflict:
			f.conflict = true
		case config.SignatureGratuitousFlood:
			f.gratuitous = true
		case config.SignatureUnsolicitedFlood:
			f.unsolicited = true
		default:
			return nil, fmt.Errorf("unknown rule signature %q", sig)
		}
		f.matches[sig] = new(atomic.Uint64)
	}

	perShard := (cfg.MaxBindings + numShards - 1) / numShards
	for i := 0; i < numShards; i++ {
		bt, err := simplelru.NewLRU[[4]byte, [6]byte](perShard, nil)
		if err != nil {
			return nil, err
		}
		gt, err := simplelru.NewLRU[[6]byte, *burst](perShard, nil)
		if err != nil {
			return nil, err
		}
		ut, err := simplelru.NewLRU[[6]byte, *burst](perShard, nil)
		if err != nil {
			return nil, err
		}
		f.bindings[i] = &bindingShard{table: bt}
		f.gratBursts[i] = &burstShard{table: gt}
		f.unsBursts[i] = &burstShard{table: ut}
	}
	return f, nil
}

func shardOf(b []byte) int {
	h := fnv.New32a()
	h.Write(b)
	return int(h.Sum32() % numShards)
}

// Evaluate advances every enabled signature with rec and returns the first
// match, or nil. All signatures see the frame even when an earlier one fires.
func (f *Filter) Evaluate(rec *model.ArpRecord, h history.Result) *Match {
	f.evaluated.Add(1)

	var found *Match
	keep := func(m *Match) {
		if m == nil {
			return
		}
		f.matches[m.Signature].Add(1)
		if found == nil {
			found = m
		}
	}

	if f.conflict {
		keep(f.checkBinding(rec, h.Probe))
	}
	if f.gratuitous && h.Gratuitous {
		keep(f.checkBurst(f.gratBursts[:], rec, f.gratuitousSize, f.gratuitousWindow,
			config.SignatureGratuitousFlood, "gratuitous"))
	}
	if f.unsolicited && h.Unsolicited {
		keep(f.checkBurst(f.unsBursts[:], rec, f.unsolicitedSize, f.unsolicitedWindow,
			config.SignatureUnsolicitedFlood, "unsolicited"))
	}
	return found
}

// checkBinding fires when the sender IP is already bound to another MAC and
// then rebinds it.
func (f *Filter) checkBinding(rec *model.ArpRecord, probe bool) *Match {
	ip := rec.SenderIP.To4()
	if probe || ip == nil || ip.Equal(net.IPv4zero) || len(rec.SenderMAC) != 6 {
		return nil
	}
	var ipKey [4]byte
	var mac [6]byte
	copy(ipKey[:], ip)
	copy(mac[:], rec.SenderMAC)

	sh := f.bindings[shardOf(ipKey[:])]
	sh.mu.Lock()
	prev, ok := sh.table.Get(ipKey)
	sh.table.Add(ipKey, mac)
	sh.mu.Unlock()

	if ok && prev != mac {
		return &Match{
			Signature: config.SignatureIPMACConflict,
			Reason:    fmt.Sprintf("%s moved from %s to %s", ip, net.HardwareAddr(prev[:]), rec.SenderMAC),
		}
	}
	return nil
}

func (f *Filter) checkBurst(shards []*burstShard, rec *model.ArpRecord, size int, window time.Duration, sig, what string) *Match {
	var mac [6]byte
	copy(mac[:], rec.SenderMAC)

	sh := shards[shardOf(mac[:])]
	sh.mu.Lock()
	b, ok := sh.table.Get(mac)
	if !ok {
		b = newBurst(size)
		sh.table.Add(mac, b)
	}
	fired := b.add(rec.Timestamp, window)
	sh.mu.Unlock()

	if fired {
		return &Match{
			Signature: sig,
			Reason:    fmt.Sprintf("more than %d %s replies from %s within %s", size-1, what, rec.SenderMAC, window),
		}
	}
	return nil
}

// Stats are the filter's counters.
type Stats struct {
	Evaluated uint64            `json:"evaluated"`
	Matches   map[string]uint64 `json:"matches"`
}

// Stats returns the number of evaluated frames and matches per signature.
func (f *Filter) Stats() Stats {
	s := Stats{Evaluated: f.evaluated.Load(), Matches: make(map[string]uint64, len(f.matches))}
	for sig, c := range f.matches {
		s.Matches[sig] = c.Load()
	}
	return s
}
