package learning

import (
	"arpguard/internal/engine/classifier"
	"arpguard/internal/model"
)

// Provenance says why a record received its label.
type Provenance string

const (
	FromRule           Provenance = "rule"
	FromHighConfidence Provenance = "high_confidence"
	FromLowConfidence  Provenance = "low_confidence"
)

// Sample is a labeled record.
type Sample struct {
	classifier.Sample
	Seq        uint64
	Provenance Provenance
}

// Labeler assigns pseudo-labels to stream records.
type Labeler struct {
	High     float64
	Low      float64
	Features int
}

// Label returns the training sample for r, or false if r is ambiguous or malformed.
// Rule alerts are attacks. Everything else is labeled from its score, where a
// heuristic alert's score is its severity.
func (l Labeler) Label(r model.Record) (Sample, bool) {
	if l.Features > 0 && len(r.Features) != l.Features {
		return Sample{}, false
	}
	s := Sample{Seq: r.Seq}
	s.Features = r.Features

	if r.Kind == model.RecordAlert && r.Module == model.ModuleRule {
		s.Label = model.LabelAttack
		s.Provenance = FromRule
		return s, true
	}

	score := r.Score
	if r.Kind == model.RecordAlert && r.Module == model.ModuleHeuristic {
		score = r.Severity
	}
	switch {
	case score >= l.High:
		s.Label = model.LabelAttack
		s.Provenance = FromHighConfidence
	case score <= l.Low:
		s.Label = model.LabelBenign
		s.Provenance = FromLowConfidence
	default:
		return Sample{}, false
	}
	return s, true
}

// split labels recs and puts every sample whose sequence is held out in the
// holdout set.
func (l Labeler) split(recs []model.Record, every int) (train, holdout []classifier.Sample, discarded int) {
	for _, r := range recs {
		s, ok := l.Label(r)
		if !ok {
			discarded++
			continue
		}
		if heldOut(r.Seq, every) {
			holdout = append(holdout, s.Sample)
		} else {
			train = append(train, s.Sample)
		}
	}
	return train, holdout, discarded
}

// heldOut reports whether the record at seq is reserved for validation. The
// choice depends only on seq, so a record held out by one cycle is never
// trained on by a later one.
func heldOut(seq uint64, every int) bool {
	return every > 1 && seq%uint64(every) == 0
}
