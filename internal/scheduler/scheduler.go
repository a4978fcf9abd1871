// Package scheduler drives collections: a daily full run, an adaptive
// per-source tick that speeds up on success and backs off on repeated
// failure, and out-of-band manual and force triggers. Each source runs in
// its own worker and never executes two runs concurrently.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/events"
	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
	"github.com/jclee-lab/blacklist-sub001/internal/normalize"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

const (
	// Adaptive interval bounds and multipliers.
	minInterval      = 300 * time.Second
	maxInterval      = 3600 * time.Second
	successFactor    = 0.8
	failureFactor    = 1.5
	failureThreshold = 3
	forceMaxPages    = 50
	dailyRunHour     = 2 // 02:00 local
	tickGranularity  = 1 * time.Second
	shutdownGrace    = 10 * time.Second
	defaultParallel  = 5
	runPhaseTimeout  = 30 * time.Minute
)

// ErrUnknownSource is returned for triggers against an unregistered
// service name.
var ErrUnknownSource = errors.New("scheduler: unknown source")

// Collector is one upstream source. Implementations are registered by
// service name; the REGTECH collector is the only one today.
type Collector interface {
	Name() string
	Authenticate(ctx context.Context) error
	Collect(ctx context.Context, r core.CollectRange) ([]core.ParsedRecord, error)
}

// Sink is the slice of the persistence layer the scheduler writes.
type Sink interface {
	UpsertBatch(ctx context.Context, records []core.NormalizedRecord, batchSize int) (storage.UpsertResult, error)
	InsertRun(ctx context.Context, run core.CollectionRun) error
	MarkExpiredInactive(ctx context.Context) (int64, error)
	TouchLastCollection(ctx context.Context, service string, at time.Time) error
}

// Mode distinguishes what triggered a run; only scheduled runs move the
// adaptive interval.
type Mode string

const (
	ModeScheduled Mode = "scheduled"
	ModeManual    Mode = "manual"
	ModeForce     Mode = "force"
	ModeDaily     Mode = "daily"
)

// Config carries the scheduler knobs from configuration.
type Config struct {
	// ManualOnly keeps workers alive for status but emits no scheduled
	// ticks (DISABLE_AUTO_COLLECTION).
	ManualOnly bool

	InitialInterval time.Duration
	BatchSize       int
	MaxPages        int
	ParallelSources int
}

// SourceState is the per-source snapshot exposed via /api/status.
type SourceState struct {
	TotalRuns           int        `json:"total_runs"`
	SuccessfulRuns      int        `json:"successful_runs"`
	FailedRuns          int        `json:"failed_runs"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AdaptiveIntervalSec float64    `json:"adaptive_interval_seconds"`
	Running             bool       `json:"running"`
}

// Status is the whole-scheduler snapshot.
type Status struct {
	ManualOnly bool                   `json:"manual_only"`
	Sources    map[string]SourceState `json:"sources"`
}

type source struct {
	collector Collector

	runMu sync.Mutex // serializes runs for this source

	mu       sync.Mutex // guards the fields below
	state    SourceState
	interval time.Duration
	nextRun  time.Time
	lastDay  string // last calendar day a daily run fired
}

// Scheduler owns one worker goroutine per registered source.
type Scheduler struct {
	cfg     Config
	sink    Sink
	bus     events.Publisher
	metrics *metrics.Metrics

	mu      sync.RWMutex
	sources map[string]*source

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg Config, sink Sink, bus events.Publisher, m *metrics.Metrics) *Scheduler {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = maxInterval
	}
	if cfg.ParallelSources <= 0 {
		cfg.ParallelSources = defaultParallel
	}
	return &Scheduler{
		cfg:     cfg,
		sink:    sink,
		bus:     bus,
		metrics: m,
		sources: make(map[string]*source),
		sem:     make(chan struct{}, cfg.ParallelSources),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a collector. intervalSeconds comes from the credential
// row; zero falls back to the configured initial interval.
func (s *Scheduler) Register(c Collector, intervalSeconds int) {
	interval := s.cfg.InitialInterval
	if intervalSeconds > 0 {
		interval = time.Duration(intervalSeconds) * time.Second
	}
	interval = clampInterval(interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[c.Name()] = &source{
		collector: c,
		interval:  interval,
		nextRun:   time.Now().Add(interval),
		state:     SourceState{AdaptiveIntervalSec: interval.Seconds()},
	}
}

// Start launches one worker per source. In manual-only mode workers idle,
// answering status but firing nothing.
func (s *Scheduler) Start() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, src := range s.sources {
		s.wg.Add(1)
		go s.worker(name, src)
	}
	slog.Info("scheduler started", "logger", "scheduler",
		"sources", len(s.sources), "manual_only", s.cfg.ManualOnly)
}

// Stop signals shutdown and waits up to the grace period for in-flight
// runs to finish their phase.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler stopped", "logger", "scheduler")
	case <-time.After(shutdownGrace):
		slog.Warn("scheduler stop timed out", "logger", "scheduler")
	}
}

// Trigger runs one manual collection out-of-band. It records
// success/failure in the source state but leaves the adaptive interval
// untouched.
func (s *Scheduler) Trigger(ctx context.Context, serviceName string, r core.CollectRange) (*core.CollectionRun, error) {
	src, err := s.lookup(serviceName)
	if err != nil {
		return nil, err
	}
	if r.MaxPages <= 0 {
		r.MaxPages = s.cfg.MaxPages
	}
	return s.runOnce(ctx, src, r, ModeManual), nil
}

// Force runs a one-shot full collection with the 50-page cap.
func (s *Scheduler) Force(ctx context.Context, serviceName string) (*core.CollectionRun, error) {
	src, err := s.lookup(serviceName)
	if err != nil {
		return nil, err
	}
	return s.runOnce(ctx, src, core.CollectRange{MaxPages: forceMaxPages}, ModeForce), nil
}

// TestAuth exercises the source's login against stored credentials
// without collecting.
func (s *Scheduler) TestAuth(ctx context.Context, serviceName string) error {
	src, err := s.lookup(serviceName)
	if err != nil {
		return err
	}
	return src.collector.Authenticate(ctx)
}

// Status snapshots every source's counters.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Status{ManualOnly: s.cfg.ManualOnly, Sources: make(map[string]SourceState, len(s.sources))}
	for name, src := range s.sources {
		src.mu.Lock()
		out.Sources[name] = src.state
		src.mu.Unlock()
	}
	return out
}

func (s *Scheduler) lookup(serviceName string) (*source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[serviceName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, serviceName)
	}
	return src, nil
}

// worker polls once a second so shutdown is observed promptly.
func (s *Scheduler) worker(name string, src *source) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickGranularity)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if s.cfg.ManualOnly {
				continue
			}
			if s.dailyDue(src, now) {
				s.runScheduled(src, core.CollectRange{MaxPages: forceMaxPages}, ModeDaily)
				continue
			}
			if s.adaptiveDue(src, now) {
				s.runScheduled(src, core.CollectRange{MaxPages: s.cfg.MaxPages}, ModeScheduled)
			}
		}
	}
}

// dailyDue fires once per calendar day at the fixed wall-clock hour.
func (s *Scheduler) dailyDue(src *source, now time.Time) bool {
	if now.Hour() != dailyRunHour {
		return false
	}
	day := now.Format("2006-01-02")
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.lastDay == day {
		return false
	}
	src.lastDay = day
	return true
}

func (s *Scheduler) adaptiveDue(src *source, now time.Time) bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	if now.Before(src.nextRun) {
		return false
	}
	// Push nextRun out so a long run does not queue another tick behind
	// the per-source mutex.
	src.nextRun = now.Add(src.interval)
	return true
}

func (s *Scheduler) runScheduled(src *source, r core.CollectRange, mode Mode) {
	ctx, cancel := context.WithTimeout(context.Background(), runPhaseTimeout)
	defer cancel()
	run := s.runOnce(ctx, src, r, mode)
	s.adapt(src, run.Success)
}

// adapt moves the interval: ×0.8 on success down to the floor, ×1.5 after
// three consecutive failures up to the ceiling.
func (s *Scheduler) adapt(src *source, success bool) {
	src.mu.Lock()
	defer src.mu.Unlock()

	if success {
		src.interval = clampInterval(time.Duration(float64(src.interval) * successFactor))
	} else if src.state.ConsecutiveFailures >= failureThreshold {
		src.interval = clampInterval(time.Duration(float64(src.interval) * failureFactor))
	}
	src.state.AdaptiveIntervalSec = src.interval.Seconds()
	src.nextRun = time.Now().Add(src.interval)
}

// runOnce executes the full pipeline for one source: authenticate, fetch,
// normalize, upsert, ledger row. Phases are strictly sequential; the
// per-source mutex guarantees a source never runs two ticks concurrently.
func (s *Scheduler) runOnce(ctx context.Context, src *source, r core.CollectRange, mode Mode) *core.CollectionRun {
	src.runMu.Lock()
	defer src.runMu.Unlock()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	name := src.collector.Name()
	started := time.Now()

	src.mu.Lock()
	src.state.Running = true
	src.mu.Unlock()

	s.emit(events.TypeCollectionStarted, name, map[string]interface{}{"mode": string(mode)})

	run := &core.CollectionRun{ServiceName: name, StartedAt: started}
	result, runErr := s.collect(ctx, src, r)
	run.FinishedAt = time.Now()
	run.DurationMS = run.FinishedAt.Sub(started).Milliseconds()

	if runErr != nil {
		run.Success = false
		run.ErrorMessage = runErr.Error()
	} else {
		run.Success = true
		run.ItemsCollected = result.Total
		run.NewCount = result.NewCount
		run.UpdatedCount = result.UpdatedCount
		if details, err := json.Marshal(map[string]interface{}{
			"mode":  string(mode),
			"stats": result.Stats,
		}); err == nil {
			run.Details = details
		}
	}

	s.record(src, run)

	// The ledger row is appended for every run, success or failure.
	if err := s.sink.InsertRun(ctx, *run); err != nil {
		slog.Error("ledger insert failed", "logger", "scheduler", "service", name, "error", err)
	}
	if run.Success {
		if err := s.sink.TouchLastCollection(ctx, name, run.FinishedAt); err != nil {
			slog.Warn("last-collection stamp failed", "logger", "scheduler", "service", name, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCollectionRun(name, run.Success)
	}

	if run.Success {
		s.emit(events.TypeCollectionCompleted, name, map[string]interface{}{
			"mode":            string(mode),
			"items_collected": run.ItemsCollected,
			"new_count":       run.NewCount,
			"updated_count":   run.UpdatedCount,
			"duration_ms":     run.DurationMS,
		})
		slog.Info("collection run finished", "logger", "scheduler", "service", name,
			"mode", string(mode), "items", run.ItemsCollected, "new", run.NewCount,
			"updated", run.UpdatedCount, "duration_ms", run.DurationMS)
	} else {
		s.emit(events.TypeCollectionFailed, name, map[string]interface{}{
			"mode":  string(mode),
			"error": run.ErrorMessage,
		})
		slog.Error("collection run failed", "logger", "scheduler", "service", name,
			"mode", string(mode), "error", run.ErrorMessage)
	}
	return run
}

type collectOutcome struct {
	storage.UpsertResult
	Stats normalize.Stats
}

func (s *Scheduler) collect(ctx context.Context, src *source, r core.CollectRange) (collectOutcome, error) {
	if err := src.collector.Authenticate(ctx); err != nil {
		return collectOutcome{}, fmt.Errorf("authenticate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return collectOutcome{}, err
	}

	records, err := src.collector.Collect(ctx, r)
	if err != nil {
		return collectOutcome{}, fmt.Errorf("collect: %w", err)
	}

	// A zero-yield sweep is a successful run with nothing to persist.
	if len(records) == 0 {
		return collectOutcome{}, nil
	}

	normalized := normalize.Records(records, time.Now())
	if len(normalized.Records) == 0 {
		return collectOutcome{Stats: normalized.Stats}, nil
	}

	result, err := s.sink.UpsertBatch(ctx, normalized.Records, s.cfg.BatchSize)
	if err != nil {
		return collectOutcome{}, fmt.Errorf("upsert: %w", err)
	}

	// Keep the stored is_active hints within one tick of the truth.
	if n, err := s.sink.MarkExpiredInactive(ctx); err != nil {
		slog.Warn("expiry sweep failed", "logger", "scheduler", "error", err)
	} else if n > 0 {
		slog.Info("expiry sweep flipped stale actives", "logger", "scheduler", "rows", n)
	}

	return collectOutcome{UpsertResult: result, Stats: normalized.Stats}, nil
}

func (s *Scheduler) record(src *source, run *core.CollectionRun) {
	src.mu.Lock()
	defer src.mu.Unlock()

	now := run.FinishedAt
	src.state.Running = false
	src.state.TotalRuns++
	src.state.LastRun = &now
	if run.Success {
		src.state.SuccessfulRuns++
		src.state.LastSuccess = &now
		src.state.ConsecutiveFailures = 0
	} else {
		src.state.FailedRuns++
		src.state.LastFailure = &now
		src.state.ConsecutiveFailures++
	}
}

func (s *Scheduler) emit(eventType, sourceName string, data map[string]interface{}) {
	if s.bus != nil {
		s.bus.Emit(eventType, sourceName, data)
	}
}

func clampInterval(d time.Duration) time.Duration {
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}
