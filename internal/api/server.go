// Package api exposes the operator surface: JSON endpoints for statistics,
// model versions and the learning loop, Prometheus metrics and a gRPC health
// service.
package api

import (
	"arpguard/internal/config"
	"arpguard/internal/learning"
	"arpguard/internal/registry"
	"arpguard/internal/stream"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "arpguard.Detector"

// Models is the registry surface the API needs.
type Models interface {
	Active() registry.Version
	ListVersions() []registry.Version
	Rollback() (registry.Version, error)
}

// Learner is the learning loop surface the API needs.
type Learner interface {
	Stats() learning.Stats
	Reports() []learning.Report
	Trigger() bool
	TriggerNow(ctx context.Context) (learning.Report, error)
}

// Deps are the components served by the API. Learner and Records may be nil.
type Deps struct {
	Stats   func() any
	Models  Models
	Learner Learner
	Records stream.Store
}

// Server runs the HTTP and gRPC listeners.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// NewServer wires the routes.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps, health: health.NewServer()}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	v1.HandleFunc("/models/rollback", s.handleRollback).Methods(http.MethodPost)
	v1.HandleFunc("/learning", s.handleLearning).Methods(http.MethodGet)
	v1.HandleFunc("/learning/trigger", s.handleTrigger).Methods(http.MethodPost)
	v1.HandleFunc("/records", s.handleRecords).Methods(http.MethodGet)
	return r
}

// Start begins serving. Listener errors after startup are logged.
func (s *Server) Start() error {
	if s.cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCHealthAddr, err)
		}
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		go func() {
			log.Printf("gRPC health server starting on %s", s.cfg.GRPCHealthAddr)
			if err := s.grpc.Serve(lis); err != nil {
				log.Printf("Failed to serve gRPC: %v", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	go func() {
		log.Printf("HTTP API server starting on %s", s.cfg.ListenAddr)
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Shutdown marks the service not serving and stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	return s.http.Shutdown(ctx)
}
