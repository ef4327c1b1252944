// Package features turns a parsed ARP record into the fixed-order numeric
// vector consumed by the classifier.
package features

import (
	"arpguard/internal/config"
	"arpguard/internal/engine/features/history"
	"arpguard/internal/engine/features/vendor"
	"arpguard/internal/model"
	"fmt"
	"math"
)

// Names is the position of every feature in a Vector.
var Names = []string{
	"is_request",
	"is_reply",
	"gratuitous",
	"probe",
	"unsolicited",
	"src_broadcast",
	"src_local_admin",
	"src_vendor_known",
	"vendor_anomaly",
	"severity",
	"log_rate",
	"mean_iat",
	"std_iat",
	"window_fill",
}

// Len is the length of every Vector.
var Len = len(Names)

// maxIAT bounds the inter-arrival features so one idle sender does not
// dominate the linear model.
const maxIAT = 10.0

// Vector is a feature vector in Names order.
type Vector []float64

// Snapshot returns the vector keyed by feature name, as attached to alerts.
func (v Vector) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(v))
	for i, name := range Names {
		if i < len(v) {
			out[name] = v[i]
		}
	}
	return out
}

// Get returns the named feature, or 0 if the name is unknown.
func (v Vector) Get(name string) float64 {
	for i, n := range Names {
		if n == name && i < len(v) {
			return v[i]
		}
	}
	return 0
}

// Assemble builds the vector from the extractor outputs. It is a pure function.
func Assemble(rec *model.ArpRecord, va vendor.Assessment, h history.Result, windowSize int) Vector {
	v := make(Vector, Len)
	v[0] = boolf(rec.Op == model.ArpRequest)
	v[1] = boolf(rec.Op == model.ArpReply)
	v[2] = boolf(h.Gratuitous)
	v[3] = boolf(h.Probe)
	v[4] = boolf(h.Unsolicited)
	v[5] = boolf(va.Src.Broadcast || va.Src.Multicast)
	v[6] = boolf(va.Src.LocallyAdministered)
	v[7] = boolf(va.Src.Known)
	v[8] = va.Score
	v[9] = h.Severity
	v[10] = math.Log1p(h.Rate)
	if h.Count >= 2 {
		v[11] = math.Min(h.MeanIAT, maxIAT)
		v[12] = math.Min(h.StdIAT, maxIAT)
	} else {
		v[11] = maxIAT
	}
	if windowSize > 0 {
		v[13] = math.Min(float64(h.Count)/float64(windowSize), 1)
	}
	return v
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Observation is everything the extractors learned about one record.
type Observation struct {
	Record  *model.ArpRecord
	Vendor  vendor.Assessment
	History history.Result
	Vector  Vector
}

// Extractor runs the vendor resolver and the history analyzer and assembles
// the vector. It is safe for concurrent use.
type Extractor struct {
	vendors    *vendor.Resolver
	history    *history.Analyzer
	windowSize int
}

// NewExtractor builds the vendor resolver and history analyzer from cfg.
func NewExtractor(vendorCfg config.VendorConfig, historyCfg config.HistoryConfig) (*Extractor, error) {
	resolver, err := vendor.NewResolverFromFile(vendorCfg.OUIFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor table: %w", err)
	}
	analyzer, err := history.New(historyCfg)
	if err != nil {
		return nil, err
	}
	return &Extractor{vendors: resolver, history: analyzer, windowSize: historyCfg.WindowSize}, nil
}

// Observe updates the per-source history with rec and returns its features.
func (e *Extractor) Observe(rec *model.ArpRecord) Observation {
	va := e.vendors.Score(rec.SenderMAC, rec.TargetMAC)
	h := e.history.Observe(rec)
	return Observation{
		Record:  rec,
		Vendor:  va,
		History: h,
		Vector:  Assemble(rec, va, h, e.windowSize),
	}
}

// History exposes the analyzer for stats.
func (e *Extractor) History() *history.Analyzer { return e.history }
