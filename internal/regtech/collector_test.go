package regtech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/ratelimit"
)

// stubPortal answers login and advisory-list calls. pages maps a strategy
// key "start|end" to per-page record batches.
type stubPortal struct {
	t     *testing.T
	pages map[string][][]map[string]interface{}

	listCalls int32
}

func (p *stubPortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginOK)
	mux.HandleFunc(listPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.listCalls, 1)
		require.NoError(p.t, r.ParseForm())

		key := r.PostForm.Get("startDate") + "|" + r.PostForm.Get("endDate")
		var page int
		fmt.Sscanf(r.PostForm.Get("page"), "%d", &page)

		batches := p.pages[key]
		w.Header().Set("Content-Type", "application/json")
		if page >= len(batches) {
			w.Write([]byte(`{"data": []}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": batches[page]})
	})
	return mux
}

func ipRow(ip string) map[string]interface{} {
	return map[string]interface{}{"ip": ip, "reason": "test entry"}
}

func TestCollectStopsAtFirstNonEmptyStrategy(t *testing.T) {
	portal := &stubPortal{t: t, pages: map[string][][]map[string]interface{}{}}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	// recent-1-day yields nothing; recent-90-day has one page. Key the
	// 90-day range by probing what the collector sends.
	now := nowDates()
	portal.pages[now.minus90+"|"+now.today] = [][]map[string]interface{}{
		{ipRow("1.2.3.4"), ipRow("5.6.7.8")},
	}

	limiter := fastLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 3)
	require.NoError(t, col.Authenticate(context.Background()))

	recs, err := col.Collect(context.Background(), core.CollectRange{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Feed-level stamping.
	for _, rec := range recs {
		assert.Equal(t, SourceName, rec.Source)
		assert.Equal(t, "high", rec.Confidence)
	}
}

func TestCollectUserRangeWinsFirst(t *testing.T) {
	portal := &stubPortal{t: t, pages: map[string][][]map[string]interface{}{
		"2024-01-01|2024-01-31": {
			{ipRow("9.9.9.9")},
		},
	}}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	limiter := fastLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 3)

	recs, err := col.Collect(context.Background(), core.CollectRange{
		StartDate: "2024-01-01", EndDate: "2024-01-31",
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "9.9.9.9", recs[0].IPAddress)
}

func TestCollectPaginatesUntilEmptyPage(t *testing.T) {
	portal := &stubPortal{t: t, pages: map[string][][]map[string]interface{}{}}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	portal.pages["2024-02-01|2024-02-29"] = [][]map[string]interface{}{
		{ipRow("1.1.1.1"), ipRow("2.2.2.2")},
		{ipRow("3.3.3.3")},
	}

	limiter := fastLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 10)

	recs, err := col.Collect(context.Background(), core.CollectRange{
		StartDate: "2024-02-01", EndDate: "2024-02-29",
	})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestCollectHonorsMaxPages(t *testing.T) {
	portal := &stubPortal{t: t, pages: map[string][][]map[string]interface{}{}}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	// Endless data: every page of the user range is full.
	portal.pages["2024-03-01|2024-03-31"] = [][]map[string]interface{}{
		{ipRow("1.1.1.1")}, {ipRow("2.2.2.2")}, {ipRow("3.3.3.3")},
		{ipRow("4.4.4.4")}, {ipRow("5.5.5.5")},
	}

	limiter := fastLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 10)

	recs, err := col.Collect(context.Background(), core.CollectRange{
		StartDate: "2024-03-01", EndDate: "2024-03-31", MaxPages: 2,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCollectZeroYieldIsSuccess(t *testing.T) {
	portal := &stubPortal{t: t, pages: map[string][][]map[string]interface{}{}}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	limiter := fastLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 2)

	recs, err := col.Collect(context.Background(), core.CollectRange{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCollectAbortsOnSessionExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/login/loginForm")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	limiter := fastLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 5)

	_, err := col.Collect(context.Background(), core.CollectRange{})
	assert.ErrorIs(t, err, ErrSessionExpired)
}

// throttledLimiter caps the back-off window low so throttling paths finish
// quickly.
func throttledLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		InitialRate: 500,
		Burst:       500,
		MinRate:     1,
		MaxRate:     500,
		MaxBackoff:  50 * time.Millisecond,
	})
}

func TestCollectThrottledPortalLowersRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiter := throttledLimiter()
	before := limiter.Rate()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 5)

	_, err := col.Collect(context.Background(), core.CollectRange{
		StartDate: "2024-01-01", EndDate: "2024-01-02",
	})
	require.Error(t, err)

	snap := limiter.Snapshot()
	assert.LessOrEqual(t, limiter.Rate(), before/2)
	assert.Greater(t, snap.CurrentBackoffSecs, 0.0)
}

func TestCollectAllStrategiesThrottledReportsFailure(t *testing.T) {
	var listCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginOK)
	mux.HandleFunc(listPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listCalls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	limiter := throttledLimiter()
	col := NewCollector(NewClient(srv.URL, "u", "p", limiter), limiter, 100, 3)
	require.NoError(t, col.Authenticate(context.Background()))

	// A portal that refuses every strategy must not look like a clean
	// zero-yield sweep.
	recs, err := col.Collect(context.Background(), core.CollectRange{})
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.Empty(t, recs)

	// One refusal per ladder strategy, none swallowed.
	assert.EqualValues(t, 3, atomic.LoadInt32(&listCalls))
}

type strategyDates struct {
	today   string
	minus90 string
}

func nowDates() strategyDates {
	now := time.Now()
	return strategyDates{
		today:   now.Format("2006-01-02"),
		minus90: now.AddDate(0, 0, -90).Format("2006-01-02"),
	}
}
