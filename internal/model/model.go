package model

import (
	"fmt"
	"net"
	"time"
)

// Frame is a raw link-layer frame as delivered by a capture source.
type Frame struct {
	Data      []byte
	Timestamp time.Time
	Interface string
}

// ArpOp is the ARP operation code.
type ArpOp uint16

const (
	ArpRequest ArpOp = 1
	ArpReply   ArpOp = 2
)

func (op ArpOp) String() string {
	switch op {
	case ArpRequest:
		return "request"
	case ArpReply:
		return "reply"
	default:
		return fmt.Sprintf("op(%d)", uint16(op))
	}
}

// ArpRecord holds the decoded Ethernet and ARP fields of a single frame.
type ArpRecord struct {
	Timestamp time.Time
	Interface string
	EthSrc    net.HardwareAddr
	EthDst    net.HardwareAddr
	Op        ArpOp
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP

	// Correlated is set once the record has been matched against the
	// outstanding requests. Unsolicited is only meaningful after that.
	Correlated  bool
	Unsolicited bool
}

// SourceKey identifies the sender of an ARP frame by hardware and protocol address.
type SourceKey struct {
	MAC [6]byte
	IP  [4]byte
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s|%s", net.HardwareAddr(k.MAC[:]), net.IP(k.IP[:]))
}

// Key returns the (sender MAC, sender IP) key of the record.
func (r *ArpRecord) Key() SourceKey {
	var k SourceKey
	copy(k.MAC[:], r.SenderMAC)
	copy(k.IP[:], r.SenderIP.To4())
	return k
}

// Module names the detection stage that produced a verdict.
type Module string

const (
	ModuleRule       Module = "rule"
	ModuleHeuristic  Module = "heuristic"
	ModuleClassifier Module = "classifier"
)

// Label is a binary class.
type Label int

const (
	LabelBenign Label = 0
	LabelAttack Label = 1
)

func (l Label) String() string {
	if l == LabelAttack {
		return "attack"
	}
	return "benign"
}

// Verdict is the signal a single detection stage contributes to fusion.
type Verdict struct {
	Module     Module
	Label      Label
	Confidence float64
	Reason     string
}
