package regtech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/ratelimit"
)

const (
	// SourceName is the source tag stamped on every collected record.
	SourceName = "REGTECH"

	maxRetries = 3
)

// strategy is one date-range probe. The portal sometimes returns empty
// results for wide ranges while narrow ones work, and vice versa, so the
// collector walks an ordered ladder and stops at the first non-empty yield.
type strategy struct {
	name      string
	startDate string
	endDate   string
}

// Collector implements the scheduler's collector interface for REGTECH.
type Collector struct {
	client   *Client
	limiter  *ratelimit.Limiter
	pageSize int
	maxPages int
}

func NewCollector(client *Client, limiter *ratelimit.Limiter, pageSize, maxPages int) *Collector {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPages <= 0 {
		maxPages = 50
	}
	return &Collector{
		client:   client,
		limiter:  limiter,
		pageSize: pageSize,
		maxPages: maxPages,
	}
}

func (c *Collector) Name() string { return SourceName }

// Limiter exposes pacing state for status reporting.
func (c *Collector) Limiter() *ratelimit.Limiter { return c.limiter }

// Client exposes the underlying session client for auth testing.
func (c *Collector) Client() *Client { return c.client }

// Authenticate logs into the portal, retrying transient failures. A
// credential rejection is final and not retried.
func (c *Collector) Authenticate(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		err := c.client.Authenticate(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		lastErr = err
		slog.Warn("login attempt failed", "logger", "regtech", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("authentication failed after %d attempts: %w", maxRetries, lastErr)
}

// Collect runs the strategy ladder and returns the first non-empty yield.
// A sweep where every strategy comes back empty with no fetch error is a
// successful run with nothing to persist. A sweep the portal refused on
// every strategy is a failure: the last fetch error surfaces so the run
// ledger does not record a rate-limited sweep as a clean zero yield.
func (c *Collector) Collect(ctx context.Context, r core.CollectRange) ([]core.ParsedRecord, error) {
	maxPages := c.maxPages
	if r.MaxPages > 0 {
		maxPages = r.MaxPages
	}

	var lastErr error
	for _, s := range buildStrategies(r, time.Now()) {
		records, err := c.collectStrategy(ctx, s, maxPages)
		if err != nil && (errors.Is(err, ErrSessionExpired) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
		if len(records) > 0 {
			slog.Info("strategy yielded records", "logger", "regtech",
				"strategy", s.name, "records", len(records))
			c.stampRecords(records)
			return records, nil
		}
		if err != nil {
			// Non-200 or exhausted retries: give the next strategy a chance.
			slog.Warn("strategy failed", "logger", "regtech", "strategy", s.name, "error", err)
			lastErr = err
			continue
		}
		slog.Info("strategy yielded nothing", "logger", "regtech", "strategy", s.name)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all strategies exhausted: %w", lastErr)
	}
	return nil, nil
}

func buildStrategies(r core.CollectRange, now time.Time) []strategy {
	day := func(t time.Time) string { return t.Format("2006-01-02") }
	today := day(now)

	var ladder []strategy
	if r.StartDate != "" || r.EndDate != "" {
		ladder = append(ladder, strategy{name: "user-specified", startDate: r.StartDate, endDate: r.EndDate})
	}
	ladder = append(ladder,
		strategy{name: "recent-1-day", startDate: day(now.AddDate(0, 0, -1)), endDate: today},
		strategy{name: "recent-90-day", startDate: day(now.AddDate(0, 0, -90)), endDate: today},
	)
	if r.StartDate == "" && r.EndDate == "" {
		ladder = append(ladder, strategy{name: "all-data"})
	}
	return ladder
}

// collectStrategy pages through one date range. The page loop ends on the
// first empty page; a fetch error surfaces to the caller together with
// whatever the earlier pages yielded.
func (c *Collector) collectStrategy(ctx context.Context, s strategy, maxPages int) ([]core.ParsedRecord, error) {
	var out []core.ParsedRecord
	for page := 0; page < maxPages; page++ {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return out, err
		}

		records, err := c.fetchPageWithRetry(ctx, page, s)
		if err != nil {
			slog.Warn("page fetch failed", "logger", "regtech",
				"strategy", s.name, "page", page, "error", err)
			return out, err
		}
		if len(records) == 0 {
			break
		}
		out = append(out, records...)
		c.limiter.OnSuccess()
	}
	return out, nil
}

// fetchPageWithRetry retries network-level failures up to maxRetries with
// limiter-governed pacing. Status errors and session expiry are not retried.
func (c *Collector) fetchPageWithRetry(ctx context.Context, page int, s strategy) ([]core.ParsedRecord, error) {
	q := ListQuery{Page: page, Size: c.pageSize, StartDate: s.startDate, EndDate: s.endDate}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			if err := c.limiter.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		}

		records, err := c.client.FetchAdvisoryPage(ctx, q)
		if err == nil {
			return records, nil
		}
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			c.limiter.OnFailure(statusErr.Code)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("page fetch: %w", ctx.Err())
		}
		c.limiter.OnFailure(0)
		lastErr = err
	}
	return nil, fmt.Errorf("page fetch failed after %d attempts: %w", maxRetries, lastErr)
}

// stampRecords applies feed-level defaults: the source tag and the curated
// feed's confidence when upstream supplied none.
func (c *Collector) stampRecords(records []core.ParsedRecord) {
	for i := range records {
		records[i].Source = SourceName
		if records[i].Confidence == "" {
			records[i].Confidence = "high"
		}
	}
}
