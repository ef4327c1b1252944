// Package live captures ARP frames from network interfaces through libpcap.
package live

import (
	"arpguard/internal/capture"
	"arpguard/internal/config"
	"arpguard/internal/model"
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/gopacket/pcap"
)

// readTimeout bounds how long a read blocks so cancellation is noticed.
const readTimeout = 250 * time.Millisecond

// Source reads frames from one interface.
type Source struct {
	iface   string
	snaplen int32
	promisc bool
	filter  string
}

// New creates a live source for iface.
func New(iface string, cfg config.CaptureConfig) *Source {
	return &Source{
		iface:   iface,
		snaplen: cfg.SnapshotLen,
		promisc: cfg.Promiscuous,
		filter:  cfg.BPFFilter,
	}
}

func (s *Source) Name() string { return s.iface }

// Run opens the interface and emits frames until ctx is done. Open and read
// failures are returned as *capture.CaptureError.
func (s *Source) Run(ctx context.Context, emit func(model.Frame) bool) error {
	handle, err := pcap.OpenLive(s.iface, s.snaplen, s.promisc, readTimeout)
	if err != nil {
		return &capture.CaptureError{Source: s.iface, Err: err}
	}
	defer handle.Close()

	if s.filter != "" {
		if err := handle.SetBPFFilter(s.filter); err != nil {
			return &capture.CaptureError{Source: s.iface, Err: err}
		}
	}
	log.Printf("Capturing on %s (snaplen=%d, filter=%q)", s.iface, s.snaplen, s.filter)

	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := handle.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			return nil
		default:
			return &capture.CaptureError{Source: s.iface, Err: err}
		}
		if !emit(model.Frame{Data: data, Timestamp: ci.Timestamp, Interface: s.iface}) {
			return nil
		}
	}
}
