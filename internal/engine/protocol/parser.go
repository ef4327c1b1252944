package protocol

import (
	"arpguard/internal/model"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrorKind classifies why a frame was rejected.
type ErrorKind string

const (
	KindTooShort         ErrorKind = "too-short"
	KindBadEtherType     ErrorKind = "bad-ethertype"
	KindBadOpcode        ErrorKind = "bad-opcode"
	KindBadAddressFormat ErrorKind = "bad-address-format"
)

// Kinds lists every ErrorKind, for counters.
var Kinds = []ErrorKind{KindTooShort, KindBadEtherType, KindBadOpcode, KindBadAddressFormat}

// ParseError is returned for any frame that is not a well-formed Ethernet/IPv4 ARP frame.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// KindOf extracts the ErrorKind from err, if it is a ParseError.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func parseErr(kind ErrorKind, format string, args ...interface{}) error {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

const (
	ethHeaderLen  = 14
	dot1QLen      = 4
	arpHeaderLen  = 8
	arpIPv4EthLen = arpHeaderLen + 2*6 + 2*4
)

// ParseFrame decodes an Ethernet (optionally 802.1Q tagged) ARP frame. It has no
// side effects and never panics; malformed input yields a *ParseError.
func ParseFrame(frame model.Frame) (*model.ArpRecord, error) {
	data := frame.Data
	if len(data) < ethHeaderLen {
		return nil, parseErr(KindTooShort, "frame of %d bytes is shorter than an ethernet header", len(data))
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, parseErr(KindTooShort, "ethernet: %v", err)
	}

	etherType := eth.EthernetType
	payload := eth.Payload
	if etherType == layers.EthernetTypeDot1Q {
		if len(payload) < dot1QLen {
			return nil, parseErr(KindTooShort, "truncated 802.1Q tag")
		}
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, parseErr(KindTooShort, "802.1Q: %v", err)
		}
		etherType = tag.Type
		payload = tag.Payload
	}
	if etherType != layers.EthernetTypeARP {
		return nil, parseErr(KindBadEtherType, "ethertype %#04x is not ARP", uint16(etherType))
	}

	// The fixed header is checked by hand so that hostile size fields never
	// reach the layer decoder.
	if len(payload) < arpHeaderLen {
		return nil, parseErr(KindTooShort, "arp header of %d bytes", len(payload))
	}
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	if hwType != uint16(layers.LinkTypeEthernet) || protoType != uint16(layers.EthernetTypeIPv4) ||
		payload[4] != 6 || payload[5] != 4 {
		return nil, parseErr(KindBadAddressFormat, "hw=%d proto=%#04x hlen=%d plen=%d", hwType, protoType, payload[4], payload[5])
	}
	op := model.ArpOp(binary.BigEndian.Uint16(payload[6:8]))
	if op != model.ArpRequest && op != model.ArpReply {
		return nil, parseErr(KindBadOpcode, "opcode %d", uint16(op))
	}
	if len(payload) < arpIPv4EthLen {
		return nil, parseErr(KindTooShort, "arp body of %d bytes, need %d", len(payload), arpIPv4EthLen)
	}

	var arp layers.ARP
	if err := arp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, parseErr(KindTooShort, "arp: %v", err)
	}

	return &model.ArpRecord{
		Timestamp: frame.Timestamp,
		Interface: frame.Interface,
		EthSrc:    cloneMAC(eth.SrcMAC),
		EthDst:    cloneMAC(eth.DstMAC),
		Op:        op,
		SenderMAC: cloneMAC(arp.SourceHwAddress),
		SenderIP:  cloneIP(arp.SourceProtAddress),
		TargetMAC: cloneMAC(arp.DstHwAddress),
		TargetIP:  cloneIP(arp.DstProtAddress),
	}, nil
}

func cloneMAC(b []byte) net.HardwareAddr {
	out := make(net.HardwareAddr, len(b))
	copy(out, b)
	return out
}

func cloneIP(b []byte) net.IP {
	out := make(net.IP, len(b))
	copy(out, b)
	return out
}
