package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

const connectorVersion = "1.0"

// feedHeaders stamps the perimeter response headers. X-Total-IPs also
// feeds the pull-audit middleware.
func feedHeaders(w http.ResponseWriter, total int) {
	w.Header().Set("X-Total-IPs", strconv.Itoa(total))
	w.Header().Set("X-Generated-At", time.Now().UTC().Format(time.RFC3339))
	w.Header().Set("X-Whitelist-Excluded", "true")
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
}

// handleBlocklist serves the plain active list for firewall pull: one IP
// per line, ascending, whitelist excluded.
func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	ips, err := s.deps.Decisions.TextFeed(r.Context())
	if err != nil {
		http.Error(w, "blocklist unavailable", http.StatusInternalServerError)
		return
	}
	feedHeaders(w, len(ips))

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ips":   ips,
			"total": len(ips),
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if len(ips) > 0 {
		w.Write([]byte(strings.Join(ips, "\n") + "\n"))
	}
}

// handleThreatFeed serves the command-envelope list. The snapshot and
// add commands carry the full active list; remove is empty because no
// delta state is tracked between pulls.
func (s *Server) handleThreatFeed(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	switch command {
	case "", "snapshot":
		command = "snapshot"
	case "add", "remove":
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}

	var ips []string
	if command != "remove" {
		var err error
		ips, err = s.deps.Decisions.TextFeed(r.Context())
		if err != nil {
			http.Error(w, "threat feed unavailable", http.StatusInternalServerError)
			return
		}
	}
	feedHeaders(w, len(ips))

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if len(ips) > 0 {
			w.Write([]byte(strings.Join(ips, "\n") + "\n"))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commands": []map[string]interface{}{
			{"name": "ip", "command": command, "entries": ips},
		},
	})
}

// handlePullLogs lists the recent perimeter fetch audit rows.
func (s *Server) handlePullLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "validation", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	logs, err := s.deps.Repo.ListPullLogs(r.Context(), limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "database", "pull log query failed", nil)
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// handleJSONConnector serves the filtered, metadata-rich feed for
// FortiGate external-connector consumption.
func (s *Server) handleJSONConnector(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.EntryFilter{
		RiskLevel: q.Get("risk_level"),
		Country:   strings.ToUpper(q.Get("country")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	switch filter.RiskLevel {
	case "", "high", "medium", "low":
	default:
		http.Error(w, "risk_level must be high, medium or low", http.StatusBadRequest)
		return
	}

	results, err := s.deps.Decisions.EnhancedFeed(r.Context(), filter)
	if err != nil {
		http.Error(w, "connector feed unavailable", http.StatusInternalServerError)
		return
	}

	total := len(results)
	if stats, err := s.deps.Decisions.Statistics(r.Context()); err == nil {
		total = stats.Active
	}
	feedHeaders(w, len(results))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"metadata": map[string]interface{}{
			"total":        total,
			"filtered":     len(results),
			"generated_at": time.Now().UTC().Format(time.RFC3339),
			"version":      connectorVersion,
			"filters": map[string]string{
				"risk_level": filter.RiskLevel,
				"country":    filter.Country,
			},
		},
	})
}
