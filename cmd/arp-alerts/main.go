package main

import (
	"arpguard/internal/config"
	"arpguard/internal/model"
	"arpguard/internal/probe"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// arp-alerts subscribes to the alert subject and prints every alert.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sub, err := probe.NewSubscriber(cfg.Alerts.NATS)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	handler := func(a *model.Alert) {
		log.Printf("[%s] %s %s (%s) severity %.2f: %s",
			a.Module, a.Timestamp.Format("2006-01-02 15:04:05.000"), a.SrcIP, a.SrcMAC, a.Severity, a.Reason)
	}
	if err := sub.Start(handler); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
}
