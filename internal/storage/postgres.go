// Package storage is the persistence layer: a pooled Postgres connection,
// the batched UPSERT pipeline, the collection-history ledger, the
// encrypted credential store, and the read queries every other component
// consumes. All reads of blocked entries go through the
// blocked_ips_active view so a stale stored is_active flag never surfaces.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
)

const (
	// DefaultBatchSize bounds one UPSERT transaction.
	DefaultBatchSize = 2000

	connectTimeout = 10 * time.Second
)

var (
	// ErrDuplicate maps a unique-key violation on manual adds.
	ErrDuplicate = errors.New("storage: duplicate entry")
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Store wraps the connection pool and exposes the repositories.
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
	creds   *credentialCipher
}

// Options carries the non-DSN knobs for Open.
type Options struct {
	// MasterKey and Salt drive the PBKDF2 derivation for the credential
	// store. MasterKey is required.
	MasterKey string
	Salt      string

	Metrics *metrics.Metrics
}

// Open connects, configures the pool and verifies connectivity. Pool
// bounds follow the deployment's sizing: at most 20 open connections,
// 2 kept idle.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	cipher, err := newCredentialCipher(opts.MasterKey, opts.Salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("postgres connected", "logger", "storage")
	return &Store{
		db:      sqlx.NewDb(db, "postgres"),
		metrics: opts.Metrics,
		creds:   cipher,
	}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB, opts Options) (*Store, error) {
	cipher, err := newCredentialCipher(opts.MasterKey, opts.Salt)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      sqlx.NewDb(db, "postgres"),
		metrics: opts.Metrics,
		creds:   cipher,
	}, nil
}

// Ping probes connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// observe reports one storage round-trip to the metrics registry.
func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDBOperation(operation, err, time.Since(start).Seconds())
}
