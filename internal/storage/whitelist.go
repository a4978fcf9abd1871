package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// IsWhitelisted reports whether an active whitelist entry covers the
// address. This backs the decision service's cache misses.
func (s *Store) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	start := time.Now()
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM whitelist_entries WHERE ip_address = $1 AND is_active)`, ip)
	s.observe("is_whitelisted", start, err)
	if err != nil {
		return false, fmt.Errorf("is whitelisted: %w", err)
	}
	return exists, nil
}

// ListWhitelist returns every entry, active first, newest within each
// group.
func (s *Store) ListWhitelist(ctx context.Context) ([]core.WhitelistEntry, error) {
	start := time.Now()
	var entries []core.WhitelistEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, ip_address, COALESCE(country, '') AS country, reason, source,
			is_active, created_at, updated_at
		 FROM whitelist_entries
		 ORDER BY is_active DESC, updated_at DESC`)
	s.observe("list_whitelist", start, err)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	return entries, nil
}

// UpsertWhitelist inserts or re-activates an entry. A repeated add of the
// same address refreshes reason/country and flips it back to active.
func (s *Store) UpsertWhitelist(ctx context.Context, entry core.WhitelistEntry) error {
	start := time.Now()
	if entry.Source == "" {
		entry.Source = "MANUAL"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist_entries (ip_address, country, reason, source, is_active)
		 VALUES ($1, NULLIF($2, ''), $3, $4, true)
		 ON CONFLICT (ip_address) DO UPDATE SET
			country    = COALESCE(NULLIF(EXCLUDED.country, ''), whitelist_entries.country),
			reason     = EXCLUDED.reason,
			source     = EXCLUDED.source,
			is_active  = true,
			updated_at = now()`,
		entry.IPAddress, entry.Country, entry.Reason, entry.Source)
	s.observe("upsert_whitelist", start, err)
	if err != nil {
		return fmt.Errorf("upsert whitelist: %w", err)
	}
	return nil
}

// DeleteWhitelist removes an entry outright. ErrNotFound when absent.
func (s *Store) DeleteWhitelist(ctx context.Context, ip string) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist_entries WHERE ip_address = $1`, ip)
	s.observe("delete_whitelist", start, err)
	if err != nil {
		return fmt.Errorf("delete whitelist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWhitelistEntry returns one entry regardless of active state.
func (s *Store) GetWhitelistEntry(ctx context.Context, ip string) (*core.WhitelistEntry, error) {
	start := time.Now()
	var entry core.WhitelistEntry
	err := s.db.GetContext(ctx, &entry,
		`SELECT id, ip_address, COALESCE(country, '') AS country, reason, source,
			is_active, created_at, updated_at
		 FROM whitelist_entries WHERE ip_address = $1`, ip)
	s.observe("get_whitelist", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get whitelist: %w", err)
	}
	return &entry, nil
}
