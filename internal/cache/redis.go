// Package cache provides the Redis adapter backing the decision cache.
//
// The adapter wraps go-redis v9 behind the small Store interface the
// decision service consumes. Every operation carries a short timeout so a
// stalled cache can never slow the hot path; a miss is reported as
// ErrMiss, everything else is a real failure the caller may ignore.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every cache round-trip.
const opTimeout = 2 * time.Second

// ErrMiss means the key is absent, which the decision path treats as
// "unknown" rather than an error.
var ErrMiss = errors.New("cache: miss")

// Store is the key-value surface the decision service needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Redis implements Store over go-redis v9.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings; the caller decides whether a connection
// failure is fatal (the decision service degrades to DB-only).
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "logger", "cache", "addr", addr, "db", db)
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
