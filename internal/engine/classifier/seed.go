package classifier

import (
	"arpguard/internal/engine/features"
	"slices"
)

// seedWeights are hand-set priors in features.Names order. They reproduce the
// heuristic ranking closely enough to bootstrap labeling.
var seedWeights = map[string]float64{
	"is_request":       -0.5,
	"is_reply":         0.3,
	"gratuitous":       1.2,
	"probe":            0.4,
	"unsolicited":      1.5,
	"src_broadcast":    2.0,
	"src_local_admin":  0.8,
	"src_vendor_known": -1.0,
	"vendor_anomaly":   1.5,
	"severity":         3.0,
	"log_rate":         0.6,
	"mean_iat":         -0.3,
	"std_iat":          -0.1,
	"window_fill":      0.5,
}

const seedBias = -2.5

// SeedModel returns the built-in model used when no model file is configured.
func SeedModel() *Model {
	m := &Model{
		Version:  "seed",
		Features: slices.Clone(features.Names),
		Weights:  make([]float64, len(features.Names)),
		Bias:     seedBias,
	}
	for i, name := range features.Names {
		m.Weights[i] = seedWeights[name]
	}
	return m
}
