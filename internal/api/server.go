// Package api exposes the coordinator over HTTP: leaderboard reads, event
// ingestion, an operator recalculation trigger, health probes, and metrics.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/leaderboard"
	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/metrics"
	"github.com/tiderank/tiderank/internal/observability"
)

const defaultBodyLimit = 1 << 20 // 1MB

// Server routes inbound HTTP to the leaderboard service.
type Server struct {
	svc     *leaderboard.Service
	metrics *metrics.Metrics
}

// New creates a Server.
func New(svc *leaderboard.Service, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.Nop()
	}
	return &Server{svc: svc, metrics: m}
}

// Handler returns the fully assembled HTTP handler, tracing included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/leaderboard", s.handleGetLeaderboard)
	mux.HandleFunc("POST /v1/events", s.handlePostEvent)
	mux.HandleFunc("POST /v1/recalculate", s.handleRecalculate)
	mux.HandleFunc("GET /v1/queue", s.handleQueueStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return observability.HTTPMiddleware(mux)
}

type eventRequest struct {
	UserID             string         `json:"userId"`
	EventType          string         `json:"eventType"`
	Payload            map[string]any `json:"payload,omitempty"`
	AffectedCategories []string       `json:"affectedCategories"`
}

type pageResponse struct {
	Success     bool           `json:"success"`
	Leaderboard []domain.Entry `json:"leaderboard"`
	GeneratedAt time.Time      `json:"generatedAt"`
	FromCache   bool           `json:"fromCache"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := domain.Query{
		Category:    params.Get("category"),
		Algorithm:   params.Get("algorithm"),
		Timeframe:   params.Get("timeframe"),
		BypassCache: params.Get("bypassCache") == "true",
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	page, err := s.svc.GetLeaderboard(r.Context(), q)
	if err != nil {
		requestLogger(r).Error("leaderboard read failed", "category", q.Category, "error", err)
		writeJSONError(w, http.StatusBadGateway, "leaderboard computation unavailable")
		return
	}

	writeJSON(w, http.StatusOK, pageResponse{
		Success:     true,
		Leaderboard: page.Entries,
		GeneratedAt: page.GeneratedAt,
		FromCache:   page.FromCache,
		Metadata:    page.Metadata,
	})
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultBodyLimit))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	event := &domain.UpdateEvent{
		UserID:             strings.TrimSpace(req.UserID),
		Type:               domain.EventType(req.EventType),
		Payload:            req.Payload,
		AffectedCategories: req.AffectedCategories,
	}
	if err := s.svc.QueueUpdate(r.Context(), event); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"eventId": event.ID,
	})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Recalculate(r.Context()); err != nil {
		requestLogger(r).Error("manual recalculation failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "recalculation trigger failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":    s.svc.QueueDepth(),
		"draining": s.svc.Draining(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// requestLogger returns the operational logger annotated with the request's
// trace context when tracing is active.
func requestLogger(r *http.Request) *slog.Logger {
	sc := observability.SpanFromContext(r.Context()).SpanContext()
	if !sc.IsValid() {
		return logging.Op()
	}
	return logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
