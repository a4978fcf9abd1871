package storage

import (
	"context"
	"fmt"
)

// schemaStatements bootstrap the five tables, their indexes, and the
// blocked_ips_active view. The view recomputes is_active from
// removal_date and is authoritative for every reader; the stored flag is
// only a write-time hint.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS blocked_ips (
		id BIGSERIAL PRIMARY KEY,
		ip_address TEXT NOT NULL,
		source TEXT NOT NULL,
		country TEXT,
		reason TEXT NOT NULL DEFAULT '',
		confidence INTEGER NOT NULL DEFAULT 0,
		detection_count INTEGER NOT NULL DEFAULT 1,
		detection_date DATE,
		removal_date DATE,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		raw_payload JSONB,
		UNIQUE (ip_address, source)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocked_ips_active ON blocked_ips (is_active) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_blocked_ips_removal ON blocked_ips (removal_date)`,

	`CREATE TABLE IF NOT EXISTS whitelist_entries (
		id BIGSERIAL PRIMARY KEY,
		ip_address TEXT NOT NULL UNIQUE,
		country TEXT,
		reason TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'MANUAL',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS collection_history (
		id BIGSERIAL PRIMARY KEY,
		service_name TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		items_collected INTEGER NOT NULL DEFAULT 0,
		new_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		details JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collection_history_service ON collection_history (service_name, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		service_name TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		password_ciphertext TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		collection_interval INTEGER NOT NULL DEFAULT 3600,
		last_collection TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS pull_logs (
		id BIGSERIAL PRIMARY KEY,
		device_ip TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		request_path TEXT NOT NULL,
		ip_count INTEGER NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		response_status INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE OR REPLACE VIEW blocked_ips_active AS
		SELECT id, ip_address, source, country, reason, confidence,
		       detection_count, detection_date, removal_date, last_seen,
		       (removal_date IS NULL OR removal_date >= CURRENT_DATE) AS is_active,
		       created_at, updated_at, raw_payload
		FROM blocked_ips`,
}

// EnsureSchema creates tables, indexes and the active view if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
