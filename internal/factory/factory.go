// Package factory builds the configurable components of the detector from a
// Config: frame sources, the record store, the model registry and the alert
// notifiers.
package factory

import (
	"arpguard/internal/capture"
	"arpguard/internal/capture/live"
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/features"
	"arpguard/internal/model"
	"arpguard/internal/notification"
	"arpguard/internal/probe"
	"arpguard/internal/registry"
	"arpguard/internal/stream"
	"context"
	"fmt"
	"log"
	"slices"
)

// NotifierFactory creates a notifier from the config, or returns nil if that
// notifier is disabled.
type NotifierFactory func(cfg *config.Config) (model.Notifier, error)

// notifiers holds the mapping of notifier names to their factory functions.
var notifiers = make(map[string]NotifierFactory)

// RegisterNotifier registers a new notifier type with its factory function.
func RegisterNotifier(name string, factory NotifierFactory) {
	if _, exists := notifiers[name]; exists {
		panic(fmt.Sprintf("notifier type '%s' already registered", name))
	}
	notifiers[name] = factory
}

func init() {
	RegisterNotifier("log", func(cfg *config.Config) (model.Notifier, error) {
		if !cfg.Alerts.Log {
			return nil, nil
		}
		return notification.NewLogNotifier(nil), nil
	})
	RegisterNotifier("mqtt", func(cfg *config.Config) (model.Notifier, error) {
		if !cfg.Alerts.MQTT.Enabled {
			return nil, nil
		}
		return notification.NewMQTTNotifier(cfg.Alerts.MQTT)
	})
	RegisterNotifier("nats", func(cfg *config.Config) (model.Notifier, error) {
		if !cfg.Alerts.NATS.Enabled {
			return nil, nil
		}
		return probe.NewPublisher(cfg.Alerts.NATS)
	})
}

// Notifiers creates every enabled notifier, in name order. On error the
// notifiers already created are closed.
func Notifiers(cfg *config.Config) ([]model.Notifier, error) {
	names := make([]string, 0, len(notifiers))
	for name := range notifiers {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []model.Notifier
	for _, name := range names {
		n, err := notifiers[name](cfg)
		if err != nil {
			for _, created := range out {
				created.Close()
			}
			return nil, fmt.Errorf("error creating notifier '%s': %w", name, err)
		}
		if n != nil {
			log.Printf("Notifier '%s' enabled.", name)
			out = append(out, n)
		}
	}
	return out, nil
}

// Sources creates one live source per configured interface plus a file
// source when a pcap file is configured.
func Sources(cfg *config.Config) []capture.Source {
	var out []capture.Source
	for _, iface := range cfg.Capture.Interfaces {
		out = append(out, live.New(iface, cfg.Capture))
	}
	if cfg.Capture.PcapFile != "" {
		out = append(out, capture.NewFileSource(cfg.Capture.PcapFile, false))
	}
	return out
}

// Store opens ClickHouse when enabled and falls back to the in-memory ring.
func Store(ctx context.Context, cfg *config.Config) (stream.Store, error) {
	if cfg.Stream.ClickHouse.Enabled {
		s, err := stream.NewClickHouseStore(ctx, cfg.Stream.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to open ClickHouse record store: %w", err)
		}
		return s, nil
	}
	log.Printf("Using in-memory record store with capacity %d.", cfg.Stream.MaxRecords)
	return stream.NewMemoryStore(cfg.Stream.MaxRecords), nil
}

// Registry creates the model registry. The initial model is, in order: the
// model last recorded active in the backup directory, the configured model
// file, or the built-in seed model.
func Registry(ctx context.Context, cfg *config.Config) (*registry.Registry, func(), error) {
	closer := func() {}
	opts := registry.Options{MaxVersions: cfg.Registry.MaxVersions}

	var backups registry.BackupStore = registry.NewMemoryBackups()
	if cfg.Registry.BackupDir != "" {
		fb, err := registry.NewFileBackups(cfg.Registry.BackupDir)
		if err != nil {
			return nil, closer, err
		}
		backups = fb
	}
	opts.Backups = backups

	if cfg.Registry.RedisAddr != "" {
		mirror, err := registry.NewRedisMirror(ctx, cfg.Registry.RedisAddr, cfg.Registry.RedisDB)
		if err != nil {
			log.Printf("Failed to connect to Redis, model versions will not be mirrored: %v", err)
		} else {
			opts.Mirror = mirror
			closer = func() { mirror.Close() }
		}
	}

	initial, err := initialModel(cfg, backups)
	if err != nil {
		closer()
		return nil, func() {}, err
	}
	reg, err := registry.New(initial, opts)
	if err != nil {
		closer()
		return nil, func() {}, err
	}
	return reg, closer, nil
}

func initialModel(cfg *config.Config, backups registry.BackupStore) (*classifier.Model, error) {
	m, err := registry.RestoreActive(backups)
	if err != nil {
		log.Printf("Failed to restore active model from backups: %v", err)
	}
	if m != nil {
		log.Printf("Restored active model %s from backups.", m.Version)
		return m, nil
	}
	if cfg.Classifier.ModelPath != "" {
		m, err := classifier.LoadModel(cfg.Classifier.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w", cfg.Classifier.ModelPath, err)
		}
		if err := m.Validate(features.Names); err != nil {
			return nil, fmt.Errorf("model %s does not fit the feature layout: %w", cfg.Classifier.ModelPath, err)
		}
		log.Printf("Loaded model %s from %s.", m.Version, cfg.Classifier.ModelPath)
		return m, nil
	}
	log.Println("Using built-in seed model.")
	return classifier.SeedModel(), nil
}
