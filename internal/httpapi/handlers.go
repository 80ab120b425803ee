package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/anotify/internal/journal"
)

// Health is the payload returned by the /healthz endpoint.
type Health struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	ActiveWatches int64   `json:"active_watches"`
	TotalEvents   int64   `json:"total_events"`
	FeedClients   int     `json:"feed_clients"`
}

// Server holds the dependencies needed by the API handlers.
type Server struct {
	journal journal.Journal
	health  func() Health
	logger  *slog.Logger
}

// NewServer creates a Server over the given journal. health supplies the
// daemon's current health snapshot; nil means a bare "ok" response.
func NewServer(j journal.Journal, health func() Health, logger *slog.Logger) *Server {
	if health == nil {
		health = func() Health { return Health{Status: "ok"} }
	}
	return &Server{journal: j, health: health, logger: logger}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with
// the daemon's health snapshot so load balancers and orchestrators can
// verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.health()); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	rule    – exact watch-rule name filter (optional)
//	type    – event class name: write, create, move, ... (optional)
//	since   – RFC3339 lower bound on the observation time (optional)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when a parameter is malformed, and HTTP 200 with a JSON
// array of journal entries (newest first) on success.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := journal.Query{
		Rule: q.Get("rule"),
		Type: q.Get("type"),
	}

	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "query parameter 'since' must be RFC3339")
			return
		}
		query.Since = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "query parameter 'limit' must be a non-negative integer")
			return
		}
		query.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "query parameter 'offset' must be a non-negative integer")
			return
		}
		query.Offset = n
	}

	entries, err := s.journal.Events(r.Context(), query)
	if err != nil {
		s.logger.Error("events query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Warn("events: failed to encode response", slog.Any("error", err))
	}
}
