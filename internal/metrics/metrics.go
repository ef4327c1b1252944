// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arpguard"

var (
	FramesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Frames delivered by capture sources.",
		},
		[]string{"source"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames or records dropped because a bounded queue was full.",
		},
		[]string{"stage"},
	)

	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "errors_total",
			Help:      "Frames rejected by the protocol parser.",
		},
		[]string{"kind"},
	)

	RuleMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Rule filter matches by signature.",
		},
		[]string{"signature"},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "alerts_total",
			Help:      "Alerts emitted by detecting module.",
		},
		[]string{"module"},
	)

	PassThrough = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "pass_through_total",
			Help:      "Records forwarded without an alert.",
		},
	)

	Suppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "suppressed_total",
			Help:      "Alerts suppressed by the per-source cooldown.",
		},
	)

	DetectionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "detection_seconds",
			Help:      "Time from parse to fusion decision for one frame.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
	)

	BufferUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "utilization_ratio",
			Help:      "Fill level of the frame buffer.",
		},
	)

	StreamRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Records appended to the detection stream.",
		},
		[]string{"kind"},
	)

	NotifyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notify_errors_total",
			Help:      "Failed alert deliveries by notifier.",
		},
		[]string{"notifier"},
	)

	LearningCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "cycles_total",
			Help:      "Completed learning cycles by outcome.",
		},
		[]string{"outcome"},
	)

	LearningState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "state",
			Help:      "1 for the learning loop's current state, 0 otherwise.",
		},
		[]string{"state"},
	)

	ModelTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Model version status changes.",
		},
		[]string{"to"},
	)

	ActiveModelNumber = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_version",
			Help:      "Sequence number of the active model version.",
		},
	)

	ActiveModelAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_accuracy",
			Help:      "Holdout accuracy recorded for the active model version.",
		},
	)
)

func init() {
	// ignore duplicate registration
	for _, c := range []prometheus.Collector{
		FramesCaptured, FramesDropped, ParseErrors, RuleMatches,
		Alerts, PassThrough, Suppressed, DetectionLatency, BufferUtilization,
		StreamRecords, NotifyErrors,
		LearningCycles, LearningState,
		ModelTransitions, ActiveModelNumber, ActiveModelAccuracy,
	} {
		_ = prometheus.Register(c)
	}
}
