package api

import (
	"arpguard/internal/learning"
	"arpguard/internal/registry"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 10000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{}
	if s.deps.Stats != nil {
		resp["engine"] = s.deps.Stats()
	}
	if s.deps.Models != nil {
		resp["active_model"] = s.deps.Models.Active()
	}
	if s.deps.Learner != nil {
		resp["learning"] = s.deps.Learner.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type modelsResponse struct {
	Active   string             `json:"active"`
	Versions []registry.Version `json:"versions"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Models == nil {
		writeError(w, http.StatusNotFound, "model registry not configured")
		return
	}
	writeJSON(w, http.StatusOK, modelsResponse{
		Active:   s.deps.Models.Active().ID,
		Versions: s.deps.Models.ListVersions(),
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Models == nil {
		writeError(w, http.StatusNotFound, "model registry not configured")
		return
	}
	v, err := s.deps.Models.Rollback()
	switch {
	case errors.Is(err, registry.ErrNothingToRevert):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Printf("Failed to roll back model: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

type learningResponse struct {
	Stats   learning.Stats    `json:"stats"`
	Reports []learning.Report `json:"reports"`
}

func (s *Server) handleLearning(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Learner == nil {
		writeError(w, http.StatusNotFound, "learning is disabled")
		return
	}
	writeJSON(w, http.StatusOK, learningResponse{
		Stats:   s.deps.Learner.Stats(),
		Reports: s.deps.Learner.Reports(),
	})
}

// handleTrigger queues a learning cycle, or with ?wait=true runs it and
// returns its report.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Learner == nil {
		writeError(w, http.StatusNotFound, "learning is disabled")
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		rep, err := s.deps.Learner.TriggerNow(r.Context())
		if errors.Is(err, learning.ErrCycleInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rep)
		return
	}
	if !s.deps.Learner.Trigger() {
		writeError(w, http.StatusConflict, learning.ErrCycleInProgress.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleRecords returns the newest records after ?after=<seq>, at most ?limit=<n>,
// optionally filtered by ?kind=.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusNotFound, "record store not configured")
		return
	}
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after: "+v)
			return
		}
		after = n
	}
	limit := defaultRecordLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = min(n, maxRecordLimit)
	}

	recs, err := s.deps.Records.Since(r.Context(), after, limit)
	if err != nil {
		log.Printf("Failed to query records: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if kind := q.Get("kind"); kind != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if string(rec.Kind) == kind {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	writeJSON(w, http.StatusOK, recs)
}
