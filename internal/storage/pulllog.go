package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// InsertPullLog records one perimeter-device fetch. Callers fire this
// from a goroutine after the response is written; a failure only logs.
func (s *Store) InsertPullLog(ctx context.Context, entry core.PullLog) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pull_logs (
			device_ip, user_agent, request_path, ip_count,
			response_time_ms, response_status
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.DeviceIP, entry.UserAgent, entry.RequestPath,
		entry.IPCount, entry.ResponseTimeMS, entry.ResponseStatus)
	s.observe("insert_pull_log", start, err)
	if err != nil {
		return fmt.Errorf("insert pull log: %w", err)
	}
	return nil
}

// ListPullLogs returns the newest pull audit rows.
func (s *Store) ListPullLogs(ctx context.Context, limit int) ([]core.PullLog, error) {
	start := time.Now()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []core.PullLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT id, device_ip, user_agent, request_path, ip_count,
			response_time_ms, response_status, created_at
		 FROM pull_logs ORDER BY created_at DESC LIMIT $1`, limit)
	s.observe("list_pull_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("list pull logs: %w", err)
	}
	return logs, nil
}
