package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// PullLogger persists perimeter fetch audit rows.
type PullLogger interface {
	InsertPullLog(ctx context.Context, entry core.PullLog) error
}

const auditWriteTimeout = 5 * time.Second

// PullAudit records every perimeter-device fetch after the response is
// written. The insert runs in a goroutine with its own deadline so audit
// persistence never adds latency to the device path; a failed write only
// logs. The served IP count is read back from the X-Total-IPs header the
// feed handlers set.
func PullAudit(sink PullLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			if sink == nil {
				return
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			ipCount, _ := strconv.Atoi(rec.Header().Get("X-Total-IPs"))

			entry := core.PullLog{
				DeviceIP:       ClientIP(r),
				UserAgent:      r.UserAgent(),
				RequestPath:    r.URL.Path,
				IPCount:        ipCount,
				ResponseTimeMS: time.Since(start).Milliseconds(),
				ResponseStatus: status,
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
				defer cancel()
				if err := sink.InsertPullLog(ctx, entry); err != nil {
					slog.Warn("pull audit write failed", "logger", "middleware",
						"device", entry.DeviceIP, "path", entry.RequestPath, "error", err)
				}
			}()
		})
	}
}
