package main

import (
	"arpguard/internal/alerter"
	"arpguard/internal/api"
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/manager"
	"arpguard/internal/factory"
	"arpguard/internal/learning"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	log.Println("Starting arpguard...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Storage and models
	store, err := factory.Store(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create record store: %v", err)
	}
	defer store.Close()

	reg, closeRegistry, err := factory.Registry(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create model registry: %v", err)
	}
	defer closeRegistry()

	// 3. Alert delivery
	notifiers, err := factory.Notifiers(cfg)
	if err != nil {
		log.Fatalf("Failed to create notifiers: %v", err)
	}
	alerts := alerter.NewAlerter(cfg.Engine.RecordChannelSize, notifiers...)
	alerts.Start()

	// 4. Detection pipeline
	sources := factory.Sources(cfg)
	if len(sources) == 0 {
		log.Fatalf("No capture interfaces or pcap file configured.")
	}
	mgr, err := manager.NewManager(cfg, manager.Deps{
		Scorer:  classifier.New(reg),
		Store:   store,
		Sink:    alerts,
		Sources: sources,
	})
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	mgr.Start(ctx)

	// 5. Learning loop
	var learner *learning.Learner
	var learnerWg sync.WaitGroup
	if cfg.Learning.Enabled {
		learner, err = learning.New(cfg.Learning, store, reg)
		if err != nil {
			log.Fatalf("Failed to create learner: %v", err)
		}
		learnerWg.Add(1)
		go func() {
			defer learnerWg.Done()
			learner.Run(ctx)
		}()
	} else {
		log.Println("Learning loop disabled.")
	}

	// 6. Operator surface
	deps := api.Deps{
		Stats:   func() any { return mgr.Stats() },
		Models:  reg,
		Records: store,
	}
	if learner != nil {
		deps.Learner = learner
	}
	server := api.NewServer(cfg.API, deps)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// 7. Wait for a shutdown signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shut down API server: %v", err)
	}

	cancel()
	learnerWg.Wait()
	mgr.Stop()
	alerts.Stop()
	log.Println("Shutdown complete.")
}
