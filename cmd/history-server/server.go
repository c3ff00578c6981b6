package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzpsarthak13/history-absorber/pkg/historyabsorber"
)

// recorder is the part of *historyabsorber.Client the HTTP handlers use.
type recorder interface {
	Record(ctx context.Context, userID string, track any) error
	Flush(ctx context.Context) error
	FlushUser(ctx context.Context, userID string) error
	History(ctx context.Context, userID string) ([]any, error)
	Pending(userID string) int
	Stats() map[string]interface{}
	State() historyabsorber.State
}

type server struct {
	client recorder
}

type playRequest struct {
	Track json.RawMessage `json:"track"`
}

func newRouter(client recorder) http.Handler {
	s := &server{client: client}

	router := chi.NewRouter()
	router.Get("/health", s.handleHealth)
	router.Get("/stats", s.handleStats)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Post("/flush", s.handleFlushAll)
	router.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/history", s.handleRecord)
		r.Get("/history", s.handleHistory)
		r.Post("/flush", s.handleFlushUser)
	})
	return router
}

func (s *server) handleRecord(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if len(req.Track) == 0 || string(req.Track) == "null" {
		respondError(w, http.StatusBadRequest, errors.New("track is required"))
		return
	}
	var track any
	if err := json.Unmarshal(req.Track, &track); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid track: %w", err))
		return
	}

	err := s.client.Record(r.Context(), userID, track)
	switch {
	case err == nil:
	case errors.Is(err, historyabsorber.ErrInvalidKey):
		respondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, historyabsorber.ErrSubmissionAfterShutdown):
		respondError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, historyabsorber.ErrBatchSaturated):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, historyabsorber.ErrStoreWrite):
		// Buffered; the inline flush will be retried.
		log.Printf("[SERVER] Record for %s buffered after failed flush: %v", userID, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"user_id": userID,
		"pending": s.client.Pending(userID),
	})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	history, err := s.client.History(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"history": history,
		"pending": s.client.Pending(userID),
	})
}

func (s *server) handleFlushUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.client.FlushUser(r.Context(), userID); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"flushed": userID})
}

func (s *server) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Flush(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"flushed": "all"})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.client.State()
	status := http.StatusOK
	if state != historyabsorber.StateRunning {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{
		"status":    state.String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.client.Stats())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
