package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclee-lab/blacklist-sub001/internal/cache"
	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

// fakeStore implements Store with in-memory sets and an optional failure
// switch.
type fakeStore struct {
	whitelist map[string]bool
	blocked   map[string]*core.BlockedIP
	fail      bool

	whitelistQueries int
	blacklistQueries int
}

var errDB = errors.New("db down")

func (f *fakeStore) IsWhitelisted(_ context.Context, ip string) (bool, error) {
	if f.fail {
		return false, errDB
	}
	f.whitelistQueries++
	return f.whitelist[ip], nil
}

func (f *fakeStore) GetActiveByIP(_ context.Context, ip string) (*core.BlockedIP, error) {
	if f.fail {
		return nil, errDB
	}
	f.blacklistQueries++
	if entry, ok := f.blocked[ip]; ok {
		return entry, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ActiveIPs(context.Context) ([]string, error) {
	if f.fail {
		return nil, errDB
	}
	var ips []string
	for ip := range f.blocked {
		if !f.whitelist[ip] {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func (f *fakeStore) ActiveEntries(context.Context, storage.EntryFilter) ([]core.BlockedIP, error) {
	return nil, nil
}

func (f *fakeStore) GetStatistics(context.Context) (*storage.Statistics, error) {
	return &storage.Statistics{}, nil
}

func newTestService(t *testing.T, store *fakeStore) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := cache.NewRedis(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(store, kv, nil), mr
}

func blockedEntry(ip string) *core.BlockedIP {
	return &core.BlockedIP{
		IPAddress:      ip,
		Source:         "REGTECH",
		Reason:         "malicious host",
		DetectionCount: 3,
		IsActive:       true,
	}
}

func TestWhitelistOverridesBlacklist(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{"1.2.3.4": true},
		blocked:   map[string]*core.BlockedIP{"1.2.3.4": blockedEntry("1.2.3.4")},
	}
	svc, _ := newTestService(t, store)

	d := svc.CheckBlacklist(context.Background(), "1.2.3.4")
	assert.False(t, d.Blocked)
	assert.Equal(t, ReasonWhitelist, d.Reason)
	assert.Equal(t, "whitelist", d.Metadata["source"])
}

func TestWhitelistHitCountedOnce(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{"1.2.3.4": true},
		blocked:   map[string]*core.BlockedIP{},
	}
	mr := miniredis.RunT(t)
	kv, err := cache.NewRedis(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	// metrics.New registers on the default registry, so build it once here
	// rather than in the shared helper.
	m := metrics.New()
	svc := New(store, kv, m)

	d := svc.CheckBlacklist(context.Background(), "1.2.3.4")
	require.Equal(t, ReasonWhitelist, d.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WhitelistHits))
}

func TestUnknownIPNotBlocked(t *testing.T) {
	store := &fakeStore{whitelist: map[string]bool{}, blocked: map[string]*core.BlockedIP{}}
	svc, _ := newTestService(t, store)

	d := svc.CheckBlacklist(context.Background(), "8.8.8.8")
	assert.False(t, d.Blocked)
	assert.Equal(t, ReasonNotInBlacklist, d.Reason)
}

func TestBlockedDecisionCarriesMetadata(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{},
		blocked:   map[string]*core.BlockedIP{"5.6.7.8": blockedEntry("5.6.7.8")},
	}
	svc, _ := newTestService(t, store)

	d := svc.CheckBlacklist(context.Background(), "5.6.7.8")
	require.True(t, d.Blocked)
	assert.Equal(t, "malicious host", d.Reason)
	assert.Equal(t, "REGTECH", d.Metadata["source"])
	assert.Equal(t, 3, d.Metadata["detection_count"])
}

func TestSecondCheckServedFromCache(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{},
		blocked:   map[string]*core.BlockedIP{"5.6.7.8": blockedEntry("5.6.7.8")},
	}
	svc, _ := newTestService(t, store)

	first := svc.CheckBlacklist(context.Background(), "5.6.7.8")
	require.True(t, first.Blocked)
	_, hadHit := first.Metadata["cache_hit"]
	assert.False(t, hadHit)

	second := svc.CheckBlacklist(context.Background(), "5.6.7.8")
	require.True(t, second.Blocked)
	assert.Equal(t, true, second.Metadata["cache_hit"])
	assert.Equal(t, 1, store.blacklistQueries)
}

func TestFailOpenOnStoreError(t *testing.T) {
	store := &fakeStore{fail: true}
	svc, _ := newTestService(t, store)

	d := svc.CheckBlacklist(context.Background(), "9.9.9.9")
	assert.False(t, d.Blocked)
	assert.Equal(t, ReasonError, d.Reason)
}

func TestFailOpenWithoutCache(t *testing.T) {
	store := &fakeStore{fail: true}
	svc := New(store, nil, nil)

	d := svc.CheckBlacklist(context.Background(), "9.9.9.9")
	assert.False(t, d.Blocked)
	assert.Equal(t, ReasonError, d.Reason)
}

func TestInvalidateMakesWhitelistWriteVisible(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{},
		blocked:   map[string]*core.BlockedIP{"5.6.7.8": blockedEntry("5.6.7.8")},
	}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	d := svc.CheckBlacklist(ctx, "5.6.7.8")
	require.True(t, d.Blocked)

	// Operator whitelists the address and the API invalidates the keys.
	store.whitelist["5.6.7.8"] = true
	svc.Invalidate(ctx, "5.6.7.8")

	d = svc.CheckBlacklist(ctx, "5.6.7.8")
	assert.False(t, d.Blocked)
	assert.Equal(t, ReasonWhitelist, d.Reason)
}

func TestCachedVerdictExpiresWithTTL(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{},
		blocked:   map[string]*core.BlockedIP{},
	}
	svc, mr := newTestService(t, store)
	ctx := context.Background()

	svc.CheckBlacklist(ctx, "4.4.4.4")
	require.Equal(t, 1, store.blacklistQueries)

	svc.CheckBlacklist(ctx, "4.4.4.4")
	require.Equal(t, 1, store.blacklistQueries)

	// Past the TTL the cache no longer answers and the DB is consulted
	// again.
	mr.FastForward(CacheTTL + time.Second)
	svc.CheckBlacklist(ctx, "4.4.4.4")
	assert.Equal(t, 2, store.blacklistQueries)
}

func TestNegativeWhitelistResultCached(t *testing.T) {
	store := &fakeStore{
		whitelist: map[string]bool{},
		blocked:   map[string]*core.BlockedIP{},
	}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	require.NoError(t, errFromWhitelist(svc, ctx, "7.7.7.7"))
	require.NoError(t, errFromWhitelist(svc, ctx, "7.7.7.7"))
	assert.Equal(t, 1, store.whitelistQueries)
}

func errFromWhitelist(svc *Service, ctx context.Context, ip string) error {
	_, err := svc.IsWhitelisted(ctx, ip)
	return err
}
