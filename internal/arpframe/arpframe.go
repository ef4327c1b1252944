// Package arpframe synthesizes Ethernet/ARP frames for replay tools and tests.
package arpframe

import (
	"arpguard/internal/model"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	ZeroMAC   = net.HardwareAddr{0, 0, 0, 0, 0, 0}
)

// Fields describes an ARP frame. Zero Ethernet addresses are derived from the ARP fields.
type Fields struct {
	EthSrc    net.HardwareAddr
	EthDst    net.HardwareAddr
	Op        model.ArpOp
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP
}

// Build serializes the frame.
func Build(s Fields) ([]byte, error) {
	ethSrc := s.EthSrc
	if ethSrc == nil {
		ethSrc = s.SenderMAC
	}
	ethDst := s.EthDst
	if ethDst == nil {
		if s.Op == model.ArpRequest || s.TargetMAC == nil {
			ethDst = Broadcast
		} else {
			ethDst = s.TargetMAC
		}
	}
	targetMAC := s.TargetMAC
	if targetMAC == nil {
		targetMAC = ZeroMAC
	}

	senderIP := s.SenderIP.To4()
	targetIP := s.TargetIP.To4()
	if senderIP == nil || targetIP == nil {
		return nil, fmt.Errorf("arp frames need IPv4 addresses, got %v and %v", s.SenderIP, s.TargetIP)
	}

	eth := &layers.Ethernet{
		SrcMAC:       ethSrc,
		DstMAC:       ethDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         uint16(s.Op),
		SourceHwAddress:   []byte(s.SenderMAC),
		SourceProtAddress: []byte(senderIP),
		DstHwAddress:      []byte(targetMAC),
		DstProtAddress:    []byte(targetIP),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("failed to serialize arp frame: %w", err)
	}
	return buf.Bytes(), nil
}

// MustBuild is Build for fixtures known to be valid.
func MustBuild(s Fields) []byte {
	data, err := Build(s)
	if err != nil {
		panic(err)
	}
	return data
}

// Request is a broadcast who-has for targetIP.
func Request(senderMAC net.HardwareAddr, senderIP, targetIP net.IP) []byte {
	return MustBuild(Fields{Op: model.ArpRequest, SenderMAC: senderMAC, SenderIP: senderIP, TargetIP: targetIP})
}

// Reply is a unicast is-at answer to targetMAC/targetIP.
func Reply(senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) []byte {
	return MustBuild(Fields{Op: model.ArpReply, SenderMAC: senderMAC, SenderIP: senderIP, TargetMAC: targetMAC, TargetIP: targetIP})
}

// Gratuitous is a broadcast reply announcing mac owns ip.
func Gratuitous(mac net.HardwareAddr, ip net.IP) []byte {
	return MustBuild(Fields{Op: model.ArpReply, SenderMAC: mac, SenderIP: ip, TargetMAC: Broadcast, TargetIP: ip, EthDst: Broadcast})
}

// Probe is an address conflict detection request for ip.
func Probe(mac net.HardwareAddr, ip net.IP) []byte {
	return MustBuild(Fields{Op: model.ArpRequest, SenderMAC: mac, SenderIP: net.IPv4zero, TargetIP: ip})
}

// Frame wraps raw bytes as a captured frame.
func Frame(data []byte, ts time.Time, iface string) model.Frame {
	return model.Frame{Data: data, Timestamp: ts, Interface: iface}
}

// MAC parses a hardware address and panics on malformed input.
func MAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// IP parses an IPv4 address and panics on malformed input.
func IP(s string) net.IP {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		panic(fmt.Sprintf("not an IPv4 address: %q", s))
	}
	return ip
}

// WritePcap writes frames as an Ethernet pcap stream.
func WritePcap(w io.Writer, frames []model.Frame) error {
	pcapWriter := pcapgo.NewWriter(w)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     f.Timestamp,
			CaptureLength: len(f.Data),
			Length:        len(f.Data),
		}
		if err := pcapWriter.WritePacket(ci, f.Data); err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return nil
}
