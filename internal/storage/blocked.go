package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// UpsertResult summarizes one batched write.
type UpsertResult struct {
	Total        int `json:"total"`
	NewCount     int `json:"new_count"`
	UpdatedCount int `json:"updated_count"`
}

// sessionTuning is applied per transaction, never globally. Collection
// batches are write-heavy and replayable, so losing the last commit on a
// crash is acceptable in exchange for throughput.
var sessionTuning = []string{
	`SET LOCAL work_mem = '64MB'`,
	`SET LOCAL maintenance_work_mem = '128MB'`,
	`SET LOCAL synchronous_commit = off`,
}

const upsertSQL = `
	INSERT INTO blocked_ips (
		ip_address, source, country, reason, confidence, detection_count,
		detection_date, removal_date, last_seen, is_active, created_at,
		updated_at, raw_payload
	) VALUES ($1, $2, NULLIF($3, ''), $4, $5, 1, $6, $7, now(), $8, now(), now(), $9)
	ON CONFLICT (ip_address, source) DO UPDATE SET
		detection_count = blocked_ips.detection_count + 1,
		last_seen       = now(),
		updated_at      = now(),
		reason          = EXCLUDED.reason,
		removal_date    = COALESCE(EXCLUDED.removal_date, blocked_ips.removal_date),
		is_active       = CASE
			WHEN COALESCE(EXCLUDED.removal_date, blocked_ips.removal_date) < CURRENT_DATE THEN false
			ELSE EXCLUDED.is_active
		END,
		country         = COALESCE(EXCLUDED.country, blocked_ips.country),
		raw_payload     = EXCLUDED.raw_payload`

// UpsertBatch writes records in batches of batchSize, each in its own
// transaction. A failed batch rolls back, logs, and the loop continues
// with the next one; the result counts only committed rows.
func (s *Store) UpsertBatch(ctx context.Context, records []core.NormalizedRecord, batchSize int) (UpsertResult, error) {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var result UpsertResult
	var lastErr error
	for begin := 0; begin < len(records); begin += batchSize {
		end := begin + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[begin:end]

		res, err := s.upsertOne(ctx, batch)
		if err != nil {
			lastErr = err
			slog.Error("batch upsert failed", "logger", "storage",
				"offset", begin, "size", len(batch), "error", err)
			continue
		}
		result.Total += res.Total
		result.NewCount += res.NewCount
		result.UpdatedCount += res.UpdatedCount
	}

	s.observe("upsert_batch", start, lastErr)
	if result.Total == 0 && lastErr != nil {
		return result, fmt.Errorf("upsert batch: %w", lastErr)
	}
	return result, nil
}

func (s *Store) upsertOne(ctx context.Context, batch []core.NormalizedRecord) (UpsertResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range sessionTuning {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return UpsertResult{}, fmt.Errorf("session tuning: %w", err)
		}
	}

	existing, err := existingKeys(ctx, tx, batch)
	if err != nil {
		return UpsertResult{}, err
	}

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	result := UpsertResult{}
	for _, rec := range batch {
		_, err := stmt.ExecContext(ctx,
			rec.IPAddress, rec.Source, rec.Country, rec.Reason, rec.Confidence,
			nullTime(rec.DetectionDate), nullTime(rec.RemovalDate),
			rec.IsActive, []byte(rec.RawPayload),
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert %s: %w", rec.IPAddress, err)
		}
		result.Total++
		if existing[rec.IPAddress+"|"+rec.Source] {
			result.UpdatedCount++
		} else {
			result.NewCount++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// existingKeys pre-checks which (ip, source) pairs are already stored so
// the run can report new vs. updated.
func existingKeys(ctx context.Context, tx queryer, batch []core.NormalizedRecord) (map[string]bool, error) {
	ips := make([]string, 0, len(batch))
	for _, rec := range batch {
		ips = append(ips, rec.IPAddress)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT ip_address, source FROM blocked_ips WHERE ip_address = ANY($1)`,
		pq.Array(ips))
	if err != nil {
		return nil, fmt.Errorf("existence pre-check: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var ip, source string
		if err := rows.Scan(&ip, &source); err != nil {
			return nil, fmt.Errorf("scan pre-check: %w", err)
		}
		existing[ip+"|"+source] = true
	}
	return existing, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// MarkExpiredInactive flips stored flags whose removal date has passed.
// Readers never see the stale flags (the view recomputes), so this sweep
// only keeps the stored hint within one scheduler tick of the truth.
func (s *Store) MarkExpiredInactive(ctx context.Context) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocked_ips SET is_active = false, updated_at = now()
		 WHERE is_active AND removal_date IS NOT NULL AND removal_date < CURRENT_DATE`)
	s.observe("mark_expired", start, err)
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveIPs returns the active blocklist minus the active whitelist,
// sorted ascending. The set-difference runs in the database so the text
// endpoint never materializes the whitelist in memory.
func (s *Store) ActiveIPs(ctx context.Context) ([]string, error) {
	start := time.Now()
	var ips []string
	err := s.db.SelectContext(ctx, &ips,
		`SELECT ip_address FROM blocked_ips_active
		 WHERE is_active
		 AND ip_address NOT IN (
			SELECT ip_address FROM whitelist_entries WHERE is_active
		 )
		 ORDER BY ip_address::inet ASC`)
	s.observe("active_ips", start, err)
	if err != nil {
		return nil, fmt.Errorf("active ips: %w", err)
	}
	return ips, nil
}

// EntryFilter narrows ActiveEntries for the json-connector endpoint.
type EntryFilter struct {
	Limit     int
	RiskLevel string // high (confidence >= 70), medium (40-69), low (< 40)
	Country   string
}

// ActiveEntries returns active rows with metadata, whitelist-excluded,
// newest detections first.
func (s *Store) ActiveEntries(ctx context.Context, f EntryFilter) ([]core.BlockedIP, error) {
	start := time.Now()
	query := `SELECT id, ip_address, source, COALESCE(country, '') AS country, reason,
			confidence, detection_count, detection_date, removal_date, last_seen,
			is_active, created_at, updated_at, raw_payload
		FROM blocked_ips_active
		WHERE is_active
		AND ip_address NOT IN (SELECT ip_address FROM whitelist_entries WHERE is_active)`
	args := []interface{}{}

	switch f.RiskLevel {
	case "high":
		query += ` AND confidence >= 70`
	case "medium":
		query += ` AND confidence BETWEEN 40 AND 69`
	case "low":
		query += ` AND confidence < 40`
	}
	if f.Country != "" {
		args = append(args, f.Country)
		query += fmt.Sprintf(` AND country = $%d`, len(args))
	}
	query += ` ORDER BY last_seen DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var entries []core.BlockedIP
	err := s.db.SelectContext(ctx, &entries, query, args...)
	s.observe("active_entries", start, err)
	if err != nil {
		return nil, fmt.Errorf("active entries: %w", err)
	}
	return entries, nil
}

// GetActiveByIP returns the active row for one address, ErrNotFound when
// the address is absent or expired.
func (s *Store) GetActiveByIP(ctx context.Context, ip string) (*core.BlockedIP, error) {
	start := time.Now()
	var entry core.BlockedIP
	err := s.db.GetContext(ctx, &entry,
		`SELECT id, ip_address, source, COALESCE(country, '') AS country, reason,
			confidence, detection_count, detection_date, removal_date, last_seen,
			is_active, created_at, updated_at, raw_payload
		 FROM blocked_ips_active
		 WHERE ip_address = $1 AND is_active
		 ORDER BY detection_count DESC
		 LIMIT 1`, ip)
	s.observe("get_active_by_ip", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active by ip: %w", err)
	}
	return &entry, nil
}

// ListBlocked pages through all rows (active and inactive) for the
// management list endpoint.
func (s *Store) ListBlocked(ctx context.Context, page, perPage int) ([]core.BlockedIP, int, error) {
	start := time.Now()
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 1000 {
		perPage = 100
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM blocked_ips_active`); err != nil {
		s.observe("list_blocked", start, err)
		return nil, 0, fmt.Errorf("count blocked: %w", err)
	}

	var entries []core.BlockedIP
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, ip_address, source, COALESCE(country, '') AS country, reason,
			confidence, detection_count, detection_date, removal_date, last_seen,
			is_active, created_at, updated_at, raw_payload
		 FROM blocked_ips_active
		 ORDER BY last_seen DESC
		 LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	s.observe("list_blocked", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("list blocked: %w", err)
	}
	return entries, total, nil
}

// ManualAdd inserts one operator-supplied entry. A second add of the same
// address returns ErrDuplicate so the handler can answer 409.
func (s *Store) ManualAdd(ctx context.Context, rec core.NormalizedRecord) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_ips (
			ip_address, source, country, reason, confidence, detection_count,
			detection_date, removal_date, last_seen, is_active, raw_payload
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, 1, $6, $7, now(), $8, $9)`,
		rec.IPAddress, rec.Source, rec.Country, rec.Reason, rec.Confidence,
		nullTime(rec.DetectionDate), nullTime(rec.RemovalDate),
		rec.IsActive, []byte(rec.RawPayload))
	s.observe("manual_add", start, err)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.IPAddress)
	}
	if err != nil {
		return fmt.Errorf("manual add: %w", err)
	}
	return nil
}

// DeleteBlocked removes every source's row for one address. ErrNotFound
// when nothing matched.
func (s *Store) DeleteBlocked(ctx context.Context, ip string) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip_address = $1`, ip)
	s.observe("delete_blocked", start, err)
	if err != nil {
		return fmt.Errorf("delete blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SourceCount is one row of the per-source aggregate.
type SourceCount struct {
	Source string `db:"source" json:"source"`
	Count  int    `db:"count" json:"count"`
}

// Statistics is the aggregate view served by /api/stats.
type Statistics struct {
	BySource    []SourceCount `json:"by_source"`
	Active      int           `json:"active"`
	Inactive    int           `json:"inactive"`
	Whitelisted int           `json:"whitelisted"`
	Recent24h   int           `json:"recent_24h"`
}

// GetStatistics aggregates counts by source, active/inactive split, and
// additions in the last 24 hours.
func (s *Store) GetStatistics(ctx context.Context) (*Statistics, error) {
	start := time.Now()
	stats := &Statistics{}

	err := s.db.SelectContext(ctx, &stats.BySource,
		`SELECT source, COUNT(*) AS count FROM blocked_ips_active GROUP BY source ORDER BY count DESC`)
	if err == nil {
		err = s.db.GetContext(ctx, &stats.Active,
			`SELECT COUNT(*) FROM blocked_ips_active WHERE is_active`)
	}
	if err == nil {
		err = s.db.GetContext(ctx, &stats.Inactive,
			`SELECT COUNT(*) FROM blocked_ips_active WHERE NOT is_active`)
	}
	if err == nil {
		err = s.db.GetContext(ctx, &stats.Whitelisted,
			`SELECT COUNT(*) FROM whitelist_entries WHERE is_active`)
	}
	if err == nil {
		err = s.db.GetContext(ctx, &stats.Recent24h,
			`SELECT COUNT(*) FROM blocked_ips_active WHERE created_at >= now() - INTERVAL '24 hours'`)
	}

	s.observe("statistics", start, err)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	return stats, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
