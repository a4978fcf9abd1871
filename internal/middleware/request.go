// Package middleware carries the cross-cutting HTTP concerns: request
// identity, metrics, shared-secret auth for the ingest surface, and the
// pull-audit recorder for perimeter endpoints.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the request's ID from its context, empty when the
// middleware did not run.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the status and byte count the handler wrote,
// and stamps the timing header before the status line goes out.
type statusRecorder struct {
	http.ResponseWriter
	start  time.Time
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
		r.Header().Set("X-Response-Time", time.Since(r.start).String())
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Instrument assigns a request ID (honoring X-Request-ID from the
// caller), times the request, stamps the response headers, and emits the
// HTTP metrics after the handler returns.
func Instrument(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)

			endpoint := routeTemplate(r)
			if m != nil {
				m.HTTPInProgress.WithLabelValues(r.Method, endpoint).Inc()
				defer m.HTTPInProgress.WithLabelValues(r.Method, endpoint).Dec()
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, start: start}
			rec.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			if rec.status == 0 {
				// Handler wrote nothing; the response has not been flushed,
				// so the header still lands.
				rec.status = http.StatusOK
				rec.Header().Set("X-Response-Time", elapsed.String())
			}

			if m != nil {
				status := strconv.Itoa(rec.status)
				m.RecordRequest(r.Method, endpoint, status, elapsed.Seconds())
				if rec.status >= 400 {
					m.RecordHTTPError(r.Method, endpoint, errorType(rec.status), status)
				}
			}
		})
	}
}

// routeTemplate keeps label cardinality bounded by using the mux route
// pattern instead of the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func errorType(status int) string {
	if status >= 500 {
		return "server_error"
	}
	return "client_error"
}

// ClientIP extracts the caller address, preferring the first hop of
// X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
