// Package decision is the hot read path for perimeter consumers: cached
// whitelist and blacklist checks, the active-list views, and aggregate
// statistics. The whitelist check strictly precedes the blacklist check,
// and every internal error resolves to an allow so blacklist
// unavailability never breaks legitimate traffic.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/cache"
	"github.com/jclee-lab/blacklist-sub001/internal/circuitbreaker"
	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

// CacheTTL bounds how stale a cached verdict may be; a whitelist write is
// visible to checks within this window.
const CacheTTL = 300 * time.Second

const (
	ReasonWhitelist      = "whitelist"
	ReasonNotInBlacklist = "not_in_blacklist"
	ReasonError          = "error"
)

// Store is the slice of the persistence layer the decision service reads.
type Store interface {
	IsWhitelisted(ctx context.Context, ip string) (bool, error)
	GetActiveByIP(ctx context.Context, ip string) (*core.BlockedIP, error)
	ActiveIPs(ctx context.Context) ([]string, error)
	ActiveEntries(ctx context.Context, f storage.EntryFilter) ([]core.BlockedIP, error)
	GetStatistics(ctx context.Context) (*storage.Statistics, error)
}

// Service serves decisions from cache first, then the database behind a
// circuit breaker. A nil cache degrades to DB-only operation.
type Service struct {
	store   Store
	cache   cache.Store
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	ttl     time.Duration
}

func New(store Store, kv cache.Store, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		cache:   kv,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("decision-db")),
		metrics: m,
		ttl:     CacheTTL,
	}
}

// cachedVerdict is the JSON shape stored under blacklist:{ip}.
type cachedVerdict struct {
	Blocked        bool   `json:"blocked"`
	Reason         string `json:"reason"`
	Source         string `json:"source,omitempty"`
	DetectionCount int    `json:"detection_count,omitempty"`
}

// IsWhitelisted answers the membership check, caching positive and
// negative results alike. Cache failures never fail the call.
func (s *Service) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	key := "whitelist:" + ip

	if val, ok := s.cacheGet(ctx, key, "whitelist"); ok {
		return string(val) == "1", nil
	}

	var listed bool
	err := s.breaker.Execute(func() error {
		var dbErr error
		listed, dbErr = s.store.IsWhitelisted(ctx, ip)
		return dbErr
	})
	if err != nil {
		return false, err
	}

	val := []byte("0")
	if listed {
		val = []byte("1")
	}
	s.cacheSet(ctx, key, val)
	return listed, nil
}

// CheckBlacklist is the hot-path verdict. Ordering invariant: an active
// whitelist entry wins over any blacklist state. Internal errors fail
// open.
func (s *Service) CheckBlacklist(ctx context.Context, ip string) core.Decision {
	// Whitelist first. An unreadable whitelist also fails open: blocking
	// while the override list is unavailable could block a whitelisted
	// address.
	listed, err := s.IsWhitelisted(ctx, ip)
	if err != nil {
		return s.failOpen(ip, err)
	}
	if listed {
		return s.logAndCount(ip, core.Decision{
			Blocked:  false,
			Reason:   ReasonWhitelist,
			Metadata: map[string]interface{}{"source": "whitelist"},
		})
	}

	key := "blacklist:" + ip
	if val, ok := s.cacheGet(ctx, key, "blacklist"); ok {
		var cached cachedVerdict
		if jsonErr := json.Unmarshal(val, &cached); jsonErr == nil {
			return s.logAndCount(ip, decisionFrom(cached, true))
		}
	}

	var entry *core.BlockedIP
	err = s.breaker.Execute(func() error {
		var dbErr error
		entry, dbErr = s.store.GetActiveByIP(ctx, ip)
		if errors.Is(dbErr, storage.ErrNotFound) {
			entry = nil
			return nil
		}
		return dbErr
	})
	if err != nil {
		return s.failOpen(ip, err)
	}

	verdict := cachedVerdict{Blocked: false, Reason: ReasonNotInBlacklist}
	if entry != nil {
		verdict = cachedVerdict{
			Blocked:        true,
			Reason:         entry.Reason,
			Source:         entry.Source,
			DetectionCount: entry.DetectionCount,
		}
	}
	if raw, jsonErr := json.Marshal(verdict); jsonErr == nil {
		s.cacheSet(ctx, key, raw)
	}
	return s.logAndCount(ip, decisionFrom(verdict, false))
}

// Invalidate drops both cache keys for an address after a whitelist or
// blacklist write, so the change is visible immediately rather than after
// TTL expiry.
func (s *Service) Invalidate(ctx context.Context, ip string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, "whitelist:"+ip, "blacklist:"+ip); err != nil {
		slog.Warn("cache invalidation failed", "logger", "decision", "ip", ip, "error", err)
	}
}

// TextFeed is the newline-separated active list for firewall pull.
func (s *Service) TextFeed(ctx context.Context) ([]string, error) {
	return s.store.ActiveIPs(ctx)
}

// EnhancedEntry pairs an IP with its provenance metadata.
type EnhancedEntry struct {
	IPAddress      string     `json:"ip_address"`
	Source         string     `json:"source"`
	Country        string     `json:"country,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Confidence     int        `json:"confidence"`
	DetectionCount int        `json:"detection_count"`
	DetectionDate  *time.Time `json:"detection_date,omitempty"`
	RemovalDate    *time.Time `json:"removal_date,omitempty"`
}

// EnhancedFeed returns active entries with metadata, whitelist-excluded.
func (s *Service) EnhancedFeed(ctx context.Context, f storage.EntryFilter) ([]EnhancedEntry, error) {
	rows, err := s.store.ActiveEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]EnhancedEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, EnhancedEntry{
			IPAddress:      row.IPAddress,
			Source:         row.Source,
			Country:        row.Country,
			Reason:         row.Reason,
			Confidence:     row.Confidence,
			DetectionCount: row.DetectionCount,
			DetectionDate:  row.DetectionDate,
			RemovalDate:    row.RemovalDate,
		})
	}
	return out, nil
}

// FortigateEntry is one command entry in the FortiGate feed shape.
type FortigateEntry struct {
	IP     string `json:"ip"`
	Action string `json:"action"`
}

// FortigateFeed is the structured list for FortiGate consumption.
type FortigateFeed struct {
	Entries []FortigateEntry `json:"entries"`
	Total   int              `json:"total"`
	Format  string           `json:"format"`
}

func (s *Service) Fortigate(ctx context.Context) (*FortigateFeed, error) {
	ips, err := s.store.ActiveIPs(ctx)
	if err != nil {
		return nil, err
	}
	feed := &FortigateFeed{
		Entries: make([]FortigateEntry, 0, len(ips)),
		Total:   len(ips),
		Format:  "fortigate",
	}
	for _, ip := range ips {
		feed.Entries = append(feed.Entries, FortigateEntry{IP: ip, Action: "block"})
	}
	return feed, nil
}

// Statistics refreshes the dataset gauges and returns the aggregate.
func (s *Service) Statistics(ctx context.Context) (*storage.Statistics, error) {
	stats, err := s.store.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetEntryCounts(stats.Active, stats.Inactive, stats.Whitelisted)
	}
	return stats, nil
}

// CacheHealthy probes the cache for the health endpoint. A nil cache
// reports false.
func (s *Service) CacheHealthy(ctx context.Context) bool {
	if s.cache == nil {
		return false
	}
	return s.cache.Ping(ctx) == nil
}

func (s *Service) cacheGet(ctx context.Context, key, keyType string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	val, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		s.recordCache(keyType, "hit")
		return val, true
	case errors.Is(err, cache.ErrMiss):
		s.recordCache(keyType, "miss")
	default:
		s.recordCache(keyType, "error")
		slog.Warn("cache read failed", "logger", "decision", "key", key, "error", err)
	}
	return nil, false
}

func (s *Service) cacheSet(ctx context.Context, key string, val []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, val, s.ttl); err != nil {
		slog.Warn("cache write failed", "logger", "decision", "key", key, "error", err)
	}
}

func (s *Service) recordCache(keyType, result string) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(keyType, result)
	}
}

func (s *Service) failOpen(ip string, err error) core.Decision {
	slog.Error("decision lookup failed, failing open", "logger", "decision", "ip", ip, "error", err)
	if s.metrics != nil {
		s.metrics.RecordAppError("decision_lookup", "critical")
	}
	return s.logAndCount(ip, core.Decision{
		Blocked:  false,
		Reason:   ReasonError,
		Metadata: map[string]interface{}{"source": "error"},
	})
}

func (s *Service) logAndCount(ip string, d core.Decision) core.Decision {
	verdict := "ALLOWED"
	if d.Blocked {
		verdict = "BLOCKED"
	}
	slog.Info("blacklist decision", "logger", "decision",
		"decision", verdict, "ip", ip, "reason", d.Reason, "metadata", d.Metadata)
	if s.metrics != nil {
		s.metrics.RecordDecision(d.Blocked, d.Reason)
	}
	return d
}

func decisionFrom(v cachedVerdict, cacheHit bool) core.Decision {
	meta := map[string]interface{}{}
	if v.Source != "" {
		meta["source"] = v.Source
	}
	if v.DetectionCount > 0 {
		meta["detection_count"] = v.DetectionCount
	}
	if cacheHit {
		meta["cache_hit"] = true
	}
	if len(meta) == 0 {
		meta = nil
	}
	return core.Decision{Blocked: v.Blocked, Reason: v.Reason, Metadata: meta}
}
