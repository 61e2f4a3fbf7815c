// Package api serves the fwatch HTTP API: health, target management, forced
// polls and the recent event log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/config"
	"github.com/tripwire/fwatch/internal/poller"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// Targets is the part of *poller.Poller used by the handlers.
type Targets interface {
	Snapshot() []poller.Status
	Add(t poller.Target) error
	Remove(name string) bool
	PollNow() []poller.Result
}

// EventLog lists recent change events, newest first.
type EventLog interface {
	Recent(ctx context.Context, n int) ([]agent.ChangeEvent, error)
}

// HealthReporter reports agent health.
type HealthReporter interface {
	Health() agent.HealthStatus
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	targets Targets
	events  EventLog
	health  HealthReporter
	stream  http.Handler
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStream serves h on /api/v1/events/stream.
func WithStream(h http.Handler) ServerOption {
	return func(s *Server) { s.stream = h }
}

// NewServer creates a Server. events may be nil when no queue is configured,
// in which case /api/v1/events answers 404.
func NewServer(targets Targets, events EventLog, health HealthReporter, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{targets: targets, events: events, health: health, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type addTargetRequest struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Severity string `json:"severity"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Health())
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.targets.Snapshot())
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var req addTargetRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Severity == "" {
		req.Severity = "INFO"
	}
	switch {
	case req.Name == "":
		writeError(w, http.StatusBadRequest, "'name' is required")
		return
	case req.Path == "":
		writeError(w, http.StatusBadRequest, "'path' is required")
		return
	case !config.ValidSeverity(req.Severity):
		writeError(w, http.StatusBadRequest, "'severity' must be one of INFO, WARN, CRITICAL")
		return
	}

	err := s.targets.Add(poller.NewTarget(req.Name, req.Path, req.Severity))
	switch {
	case errors.Is(err, poller.ErrDuplicateTarget):
		writeError(w, http.StatusConflict, "target already exists")
		return
	case err != nil:
		s.logger.Error("api: add target", slog.String("target", req.Name), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to add target")
		return
	}

	for _, st := range s.targets.Snapshot() {
		if st.Name == req.Name {
			writeJSON(w, http.StatusCreated, st)
			return
		}
	}
	// Removed concurrently between Add and Snapshot.
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.targets.Remove(name) {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.targets.PollNow())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event queue is not configured")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("api: recent events", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
