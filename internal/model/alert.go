package model

import "time"

// Alert is a detected incident, the only payload handed to external sinks.
type Alert struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Module    Module             `json:"module"`
	Reason    string             `json:"reason"`
	SrcIP     string             `json:"src_ip"`
	SrcMAC    string             `json:"src_mac"`
	Severity  float64            `json:"severity"`
	Features  map[string]float64 `json:"feature_snapshot"`
}

// RecordKind distinguishes alerts from pass-through samples in the detection stream.
type RecordKind string

const (
	RecordAlert       RecordKind = "alert"
	RecordPassThrough RecordKind = "pass_through"
)

// Record is one entry of the append-only detection stream. Seq is assigned by
// the store on append and is strictly increasing.
type Record struct {
	Seq       uint64     `json:"seq"`
	Kind      RecordKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Module    Module     `json:"module,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	AlertID   string     `json:"alert_id,omitempty"`
	SrcIP     string     `json:"src_ip"`
	SrcMAC    string     `json:"src_mac"`
	Severity  float64    `json:"severity"`
	// Score is the classifier's attack probability at detection time.
	Score    float64   `json:"score"`
	Features []float64 `json:"features"`
}
