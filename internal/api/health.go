package api

import (
	"net/http"
	"strconv"
	"time"
)

// handleHealth always answers 200; the body carries the real state so
// load balancers keep probing while operators see the breakdown.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := s.deps.Repo.Ping(ctx) == nil
	cacheOK := s.deps.Decisions.CacheHealthy(ctx)

	status := "healthy"
	switch {
	case !dbOK:
		status = "unhealthy"
	case !cacheOK:
		status = "degraded"
	}

	respond(w, r, http.StatusOK, map[string]interface{}{
		"status": status,
		"components": map[string]string{
			"database": upDown(dbOK),
			"cache":    upDown(cacheOK),
		},
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func upDown(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

// handleStatus exposes the scheduler snapshot verbatim.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, s.deps.Scheduler.Status())
}

// handleStats serves the aggregate dataset statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Decisions.Statistics(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "statistics query failed", nil)
		return
	}
	respond(w, r, http.StatusOK, stats)
}

// handleLogs serves the in-memory ring buffer, filtered by age and
// minimum level.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	minutes := 0
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, "validation", "minutes must be a non-negative integer", nil)
			return
		}
		minutes = n
	}
	entries := s.deps.Logs.Query(minutes, r.URL.Query().Get("level"))
	respond(w, r, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
