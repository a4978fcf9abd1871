package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// InsertRun appends one row to the collection ledger. The ledger is
// append-only; rows are never updated after insert.
func (s *Store) InsertRun(ctx context.Context, run core.CollectionRun) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_history (
			service_name, started_at, finished_at, success, items_collected,
			new_count, updated_count, duration_ms, error_message, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ServiceName, run.StartedAt, run.FinishedAt, run.Success,
		run.ItemsCollected, run.NewCount, run.UpdatedCount, run.DurationMS,
		run.ErrorMessage, nullJSON(run.Details))
	s.observe("insert_run", start, err)
	if err != nil {
		return fmt.Errorf("insert collection run: %w", err)
	}
	return nil
}

// ListRuns returns the newest ledger rows, optionally for one service.
func (s *Store) ListRuns(ctx context.Context, service string, limit int) ([]core.CollectionRun, error) {
	start := time.Now()
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT id, service_name, started_at, finished_at, success,
			items_collected, new_count, updated_count, duration_ms,
			error_message, details
		FROM collection_history`
	args := []interface{}{}
	if service != "" {
		query += ` WHERE service_name = $1`
		args = append(args, service)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	var runs []core.CollectionRun
	err := s.db.SelectContext(ctx, &runs, query, args...)
	s.observe("list_runs", start, err)
	if err != nil {
		return nil, fmt.Errorf("list collection runs: %w", err)
	}
	return runs, nil
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
