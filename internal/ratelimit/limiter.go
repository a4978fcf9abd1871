// Package ratelimit paces outbound requests to fragile upstream portals.
// The bucket refills continuously at an adaptive rate: success streaks speed
// it up, failures halve it, and throttling statuses impose an exponential
// back-off window during which no token is handed out.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// acquirePoll is the sleep granularity inside Acquire. Small enough to keep
// latency low, large enough to avoid spinning.
const acquirePoll = 10 * time.Millisecond

type Config struct {
	InitialRate float64       // tokens per second
	Burst       float64       // bucket capacity
	MinRate     float64       // floor after repeated failures
	MaxRate     float64       // ceiling after success streaks
	BackoffBase float64       // exponent base for consecutive failures
	MaxBackoff  time.Duration // back-off ceiling
}

func DefaultConfig() Config {
	return Config{
		InitialRate: 2.0,
		Burst:       5,
		MinRate:     0.5,
		MaxRate:     5.0,
		BackoffBase: 2.0,
		MaxBackoff:  300 * time.Second,
	}
}

// Limiter is a thread-safe adaptive token bucket for one upstream target.
type Limiter struct {
	mu sync.Mutex

	cfg        Config
	rate       float64
	tokens     float64
	lastRefill time.Time

	consecutiveFailures int
	backoffUntil        time.Time
}

// Snapshot is a point-in-time view of limiter state for status endpoints
// and logs.
type Snapshot struct {
	Rate                float64       `json:"rate"`
	Tokens              float64       `json:"tokens"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentBackoff      time.Duration `json:"-"`
	CurrentBackoffSecs  float64       `json:"current_backoff_seconds"`
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = def.InitialRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = def.MaxRate
	}
	if cfg.BackoffBase <= 1 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Limiter{
		cfg:        cfg,
		rate:       cfg.InitialRate,
		tokens:     cfg.Burst,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until n tokens are available or ctx expires. The wait first
// sits out any active back-off window, then polls the bucket.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	need := float64(n)
	if need > l.cfg.Burst {
		return fmt.Errorf("acquire %d exceeds burst %v", n, l.cfg.Burst)
	}

	for {
		l.mu.Lock()
		now := time.Now()
		if now.After(l.backoffUntil) {
			l.refillLocked(now)
			if l.tokens >= need {
				l.tokens -= need
				l.mu.Unlock()
				return nil
			}
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limiter acquire: %w", ctx.Err())
		case <-time.After(acquirePoll):
		}
	}
}

// OnSuccess raises the rate by 20% up to the ceiling and clears failure
// state.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = math.Min(l.cfg.MaxRate, l.rate*1.2)
	l.consecutiveFailures = 0
	l.backoffUntil = time.Time{}
}

// OnFailure halves the rate down to the floor. Throttling statuses (429,
// 503) additionally open a back-off window exponential in the consecutive
// failure count. status 0 means a network-level failure.
func (l *Limiter) OnFailure(status int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = math.Max(l.cfg.MinRate, l.rate/2)
	l.consecutiveFailures++

	if status == 429 || status == 503 {
		backoff := time.Duration(math.Pow(l.cfg.BackoffBase, float64(l.consecutiveFailures))) * time.Second
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
		l.backoffUntil = time.Now().Add(backoff)
	}
}

// Snapshot returns current limiter state.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	var backoff time.Duration
	if until := time.Until(l.backoffUntil); until > 0 {
		backoff = until
	}
	return Snapshot{
		Rate:                l.rate,
		Tokens:              l.tokens,
		ConsecutiveFailures: l.consecutiveFailures,
		CurrentBackoff:      backoff,
		CurrentBackoffSecs:  backoff.Seconds(),
	}
}

// Rate returns the current refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// refillLocked tops up the bucket from elapsed wall time. Caller holds mu.
func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.cfg.Burst, l.tokens+l.rate*elapsed.Seconds())
	l.lastRefill = now
}
