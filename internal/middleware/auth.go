package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// APIKey guards a handler with the X-API-Key shared secret. An empty
// configured key rejects every caller rather than opening the endpoint.
func APIKey(key string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				slog.Warn("ingest auth rejected", "logger", "middleware",
					"remote", ClientIP(r), "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error": map[string]string{
						"code":    "unauthorized",
						"message": "missing or invalid API key",
					},
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
