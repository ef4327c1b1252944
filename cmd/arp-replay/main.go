package main

import (
	"arpguard/internal/alerter"
	"arpguard/internal/capture"
	"arpguard/internal/config"
	"arpguard/internal/engine/classifier"
	"arpguard/internal/engine/manager"
	"arpguard/internal/factory"
	"arpguard/internal/learning"
	"arpguard/internal/notification"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	pace := flag.Bool("pace", false, "Reproduce the original inter-frame gaps")
	learn := flag.Bool("learn", false, "Run one learning cycle after the replay")
	saveModel := flag.String("save-model", "", "Write the active model to this file when done")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path_to_pcap_file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// 1. Get pcap file path from command-line arguments
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	// 2. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	ctx := context.Background()
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

	// 3. Replay the file; alerts are printed to stderr.
	alerts := alerter.NewAlerter(0, notification.NewLogNotifier(os.Stderr))
	alerts.Start()

	mgr, err := manager.NewManager(cfg, manager.Deps{
		Scorer:  classifier.New(reg),
		Store:   store,
		Sink:    alerts,
		Sources: []capture.Source{capture.NewFileSource(pcapFilePath, *pace)},
	})
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	log.Printf("Reading frames from '%s'...", pcapFilePath)
	mgr.Start(ctx)
	mgr.Wait()
	log.Println("Finished reading all frames from pcap file.")
	mgr.Stop()
	alerts.Stop()

	report := map[string]any{"engine": mgr.Stats(), "alerts": alerts.Stats()}

	// 4. Optionally learn from what was just replayed.
	if *learn {
		learner, err := learning.New(cfg.Learning, store, reg)
		if err != nil {
			log.Fatalf("Failed to create learner: %v", err)
		}
		rep, err := learner.TriggerNow(ctx)
		if err != nil {
			log.Fatalf("Failed to run learning cycle: %v", err)
		}
		report["learning"] = rep
	}

	if *saveModel != "" {
		if err := reg.Load().Save(*saveModel); err != nil {
			log.Fatalf("Failed to save model: %v", err)
		}
		log.Printf("Active model written to %s", *saveModel)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
}
