package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/middleware"
)

// envelope is the stable operator response shape.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *apiError   `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// pagination is the list-endpoint page descriptor.
type pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

func newPagination(page, perPage, total int) pagination {
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return pagination{Page: page, PerPage: perPage, Total: total, Pages: pages}
}

func respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.RequestID(r.Context()),
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     &apiError{Code: code, Message: message, Details: details},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "logger", "api", "error", err)
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
