package config

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Overflow policies for the frame buffer.
const (
	OverflowDrop  = "drop"
	OverflowBlock = "block"
)

// Load balancing policies for the detection workers.
const (
	BalanceRoundRobin     = "round_robin"
	BalanceLeastLoaded    = "least_loaded"
	BalanceSourceAffinity = "source_affinity"
)

// Rule filter signature names.
const (
	SignatureIPMACConflict    = "ip_mac_conflict"
	SignatureGratuitousFlood  = "gratuitous_flood"
	SignatureUnsolicitedFlood = "unsolicited_flood"
)

// Default returns a Config populated with the stock settings.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SnapshotLen: 1600,
			Promiscuous: true,
			BPFFilter:   "arp",
		},
		Buffer: BufferConfig{
			MaxSize:      10000,
			BatchSize:    32,
			BatchTimeout: Duration(100 * time.Millisecond),
			Overflow:     OverflowDrop,
		},
		Engine: EngineConfig{
			NumWorkers:        4,
			WorkerQueueSize:   1000,
			BalancePolicy:     BalanceSourceAffinity,
			RecordChannelSize: 4096,
		},
		History: HistoryConfig{
			MaxKeys:      10000,
			WindowSize:   64,
			TimingWindow: Duration(60 * time.Second),
			RequestTTL:   Duration(5 * time.Second),
			RateCeiling:  10,
			IATFloor:     Duration(100 * time.Millisecond),
		},
		Rules: RulesConfig{
			Signatures:           []string{SignatureIPMACConflict, SignatureGratuitousFlood, SignatureUnsolicitedFlood},
			MaxBindings:          65536,
			GratuitousThreshold:  5,
			GratuitousWindow:     Duration(5 * time.Second),
			UnsolicitedThreshold: 3,
			UnsolicitedWindow:    Duration(5 * time.Second),
		},
		Fusion: FusionConfig{
			HighSeverityThreshold: 0.8,
			ClassifyThreshold:     0.9,
			AlertCooldown:         Duration(5 * time.Second),
			CooldownKeys:          10000,
		},
		Learning: LearningConfig{
			Enabled:          true,
			LearningInterval: Duration(time.Hour),
			CheckInterval:    Duration(10 * time.Second),
			MinSamples:       100,
			BatchSize:        32,
			LearningRate:     0.0001,
			Epochs:           3,
			MaxHistory:       10000,
			HighConfidence:   0.95,
			LowConfidence:    0.30,
			MinAccuracy:      0.70,
			MaxLoss:          2.0,
			MaxRegression:    0.05,
			HoldoutEvery:     5,
			HoldoutHistory:   200,
			MaxRetries:       3,
			CycleBudget:      Duration(5 * time.Minute),
		},
		Registry: RegistryConfig{
			BackupDir:   "models/backups",
			MaxVersions: 20,
		},
		Stream: StreamConfig{
			MaxRecords: 10000,
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "default",
				Username: "default",
			},
		},
		Alerts: AlertsConfig{
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Subject: "arpguard.alerts",
			},
			MQTT: MQTTConfig{
				Broker:   "tcp://localhost:1883",
				Topic:    "arpguard/alerts",
				ClientID: "arpguard",
			},
			Log: true,
		},
		API: APIConfig{
			ListenAddr:     ":8080",
			GRPCHealthAddr: ":9090",
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Buffer.MaxSize <= 0 {
		errs = append(errs, errors.New("buffer.max_size must be positive"))
	}
	if c.Buffer.BatchSize <= 0 {
		errs = append(errs, errors.New("buffer.batch_size must be positive"))
	}
	if c.Buffer.BatchTimeout <= 0 {
		errs = append(errs, errors.New("buffer.batch_timeout must be a positive duration"))
	}
	switch c.Buffer.Overflow {
	case OverflowDrop, OverflowBlock:
	default:
		errs = append(errs, fmt.Errorf("buffer.overflow must be %q or %q, got %q", OverflowDrop, OverflowBlock, c.Buffer.Overflow))
	}

	if c.Engine.NumWorkers <= 0 {
		errs = append(errs, errors.New("engine.num_workers must be positive"))
	}
	if c.Engine.WorkerQueueSize <= 0 {
		errs = append(errs, errors.New("engine.worker_queue_size must be positive"))
	}
	switch c.Engine.BalancePolicy {
	case BalanceSourceAffinity:
	case BalanceRoundRobin, BalanceLeastLoaded:
		// Per-sender state must be updated in arrival order.
		if c.Engine.NumWorkers > 1 {
			log.Printf("WARNING: engine.balance_policy %q splits a sender across %d workers, using %q",
				c.Engine.BalancePolicy, c.Engine.NumWorkers, BalanceSourceAffinity)
			c.Engine.BalancePolicy = BalanceSourceAffinity
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine.balance_policy %q", c.Engine.BalancePolicy))
	}

	if c.History.MaxKeys <= 0 || c.History.WindowSize < 2 {
		errs = append(errs, errors.New("history.max_keys must be positive and history.window_size at least 2"))
	}
	if c.History.RateCeiling <= 0 || c.History.IATFloor <= 0 {
		errs = append(errs, errors.New("history.rate_ceiling and history.iat_floor must be positive"))
	}

	for _, sig := range c.Rules.Signatures {
		switch sig {
		case SignatureIPMACConflict, SignatureGratuitousFlood, SignatureUnsolicitedFlood:
		default:
			errs = append(errs, fmt.Errorf("unknown rule signature %q", sig))
		}
	}
	if c.Rules.GratuitousThreshold <= 0 || c.Rules.UnsolicitedThreshold <= 0 {
		errs = append(errs, errors.New("rule thresholds must be positive"))
	}

	if !inUnitInterval(c.Fusion.HighSeverityThreshold) || !inUnitInterval(c.Fusion.ClassifyThreshold) {
		errs = append(errs, errors.New("fusion thresholds must lie in [0,1]"))
	}

	l := c.Learning
	if l.LowConfidence >= l.HighConfidence {
		errs = append(errs, fmt.Errorf("learning.low_confidence (%.2f) must be below learning.high_confidence (%.2f)", l.LowConfidence, l.HighConfidence))
	}
	if l.BatchSize <= 0 || l.Epochs <= 0 || l.LearningRate <= 0 {
		errs = append(errs, errors.New("learning.batch_size, learning.epochs and learning.learning_rate must be positive"))
	}
	if l.MaxHistory <= 0 || l.MinSamples <= 0 {
		errs = append(errs, errors.New("learning.max_history and learning.min_samples must be positive"))
	}
	if l.HoldoutEvery < 2 {
		errs = append(errs, errors.New("learning.holdout_every must be at least 2"))
	}
	if l.LearningInterval <= 0 || l.CheckInterval <= 0 || l.CycleBudget <= 0 {
		errs = append(errs, errors.New("learning intervals and cycle_budget must be positive durations"))
	}

	if c.Registry.MaxVersions < 2 {
		errs = append(errs, errors.New("registry.max_versions must be at least 2"))
	}

	return errors.Join(errs...)
}

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
