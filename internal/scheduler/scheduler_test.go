package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/events"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

type fakeCollector struct {
	mu       sync.Mutex
	name     string
	authErr  error
	collects int
	records  []core.ParsedRecord
	err      error
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Authenticate(context.Context) error { return f.authErr }

func (f *fakeCollector) Collect(context.Context, core.CollectRange) ([]core.ParsedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collects++
	return f.records, f.err
}

type fakeSink struct {
	mu   sync.Mutex
	runs []core.CollectionRun
}

func (f *fakeSink) UpsertBatch(_ context.Context, records []core.NormalizedRecord, _ int) (storage.UpsertResult, error) {
	return storage.UpsertResult{Total: len(records), NewCount: len(records)}, nil
}

func (f *fakeSink) InsertRun(_ context.Context, run core.CollectionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeSink) MarkExpiredInactive(context.Context) (int64, error) { return 0, nil }

func (f *fakeSink) TouchLastCollection(context.Context, string, time.Time) error { return nil }

func (f *fakeSink) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestScheduler(c Collector) (*Scheduler, *fakeSink) {
	sink := &fakeSink{}
	s := New(Config{InitialInterval: time.Hour, BatchSize: 100, MaxPages: 5}, sink, events.NewBus(), nil)
	s.Register(c, 0)
	return s, sink
}

func parsed(ip string) core.ParsedRecord {
	return core.ParsedRecord{IPAddress: ip, Source: "REGTECH", Confidence: "high"}
}

func TestManualTriggerAppendsLedgerRow(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", records: []core.ParsedRecord{parsed("1.2.3.4")}}
	s, sink := newTestScheduler(col)

	run, err := s.Trigger(context.Background(), "REGTECH", core.CollectRange{})
	require.NoError(t, err)
	require.True(t, run.Success)
	assert.Equal(t, 1, run.ItemsCollected)
	assert.GreaterOrEqual(t, run.DurationMS, int64(0))
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Equal(t, 1, sink.runCount())
}

func TestTriggerUnknownSource(t *testing.T) {
	s, _ := newTestScheduler(&fakeCollector{name: "REGTECH"})

	_, err := s.Trigger(context.Background(), "NOPE", core.CollectRange{})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestFailedRunRecordsErrorAndState(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", err: errors.New("portal down")}
	s, sink := newTestScheduler(col)

	run, err := s.Trigger(context.Background(), "REGTECH", core.CollectRange{})
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Contains(t, run.ErrorMessage, "portal down")
	assert.Equal(t, 1, sink.runCount())

	st := s.Status().Sources["REGTECH"]
	assert.Equal(t, 1, st.FailedRuns)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotNil(t, st.LastFailure)
}

func TestZeroYieldRunIsSuccess(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", records: nil}
	s, _ := newTestScheduler(col)

	run, err := s.Trigger(context.Background(), "REGTECH", core.CollectRange{})
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 0, run.ItemsCollected)
}

func TestAdaptiveIntervalShortensOnSuccess(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", records: []core.ParsedRecord{parsed("1.2.3.4")}}
	s, _ := newTestScheduler(col)
	src, err := s.lookup("REGTECH")
	require.NoError(t, err)

	before := src.interval
	s.runScheduled(src, core.CollectRange{}, ModeScheduled)
	assert.Less(t, src.interval, before)
}

func TestAdaptiveIntervalLengthensAfterThreeFailures(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", err: errors.New("portal down")}
	s, _ := newTestScheduler(col)
	src, err := s.lookup("REGTECH")
	require.NoError(t, err)

	src.mu.Lock()
	src.interval = 1000 * time.Second
	src.mu.Unlock()

	// The first two failures leave the interval alone; the third starts
	// backing off.
	s.runScheduled(src, core.CollectRange{}, ModeScheduled)
	s.runScheduled(src, core.CollectRange{}, ModeScheduled)
	assert.Equal(t, 1000*time.Second, src.interval)

	s.runScheduled(src, core.CollectRange{}, ModeScheduled)
	assert.Equal(t, 1500*time.Second, src.interval)

	st := s.Status().Sources["REGTECH"]
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.GreaterOrEqual(t, st.AdaptiveIntervalSec, 1500.0)
}

func TestAdaptiveIntervalRespectsBounds(t *testing.T) {
	ok := &fakeCollector{name: "REGTECH", records: []core.ParsedRecord{parsed("1.2.3.4")}}
	s, _ := newTestScheduler(ok)
	src, _ := s.lookup("REGTECH")

	src.mu.Lock()
	src.interval = minInterval
	src.mu.Unlock()
	s.runScheduled(src, core.CollectRange{}, ModeScheduled)
	assert.Equal(t, minInterval, src.interval)

	bad := &fakeCollector{name: "BAD", err: errors.New("down")}
	s.Register(bad, 0)
	badSrc, _ := s.lookup("BAD")
	badSrc.mu.Lock()
	badSrc.interval = maxInterval
	badSrc.state.ConsecutiveFailures = failureThreshold
	badSrc.mu.Unlock()
	s.runScheduled(badSrc, core.CollectRange{}, ModeScheduled)
	assert.Equal(t, maxInterval, badSrc.interval)
}

func TestManualRunDoesNotMoveAdaptiveInterval(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", records: []core.ParsedRecord{parsed("1.2.3.4")}}
	s, _ := newTestScheduler(col)
	src, _ := s.lookup("REGTECH")

	before := src.interval
	_, err := s.Trigger(context.Background(), "REGTECH", core.CollectRange{})
	require.NoError(t, err)
	assert.Equal(t, before, src.interval)

	st := s.Status().Sources["REGTECH"]
	assert.Equal(t, 1, st.SuccessfulRuns)
}

func TestConcurrentTriggersSerializePerSource(t *testing.T) {
	col := &fakeCollector{name: "REGTECH", records: []core.ParsedRecord{parsed("1.2.3.4")}}
	s, sink := newTestScheduler(col)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Trigger(context.Background(), "REGTECH", core.CollectRange{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, sink.runCount())
}

func TestManualOnlyModeStillAnswersStatus(t *testing.T) {
	sink := &fakeSink{}
	s := New(Config{ManualOnly: true, InitialInterval: time.Hour}, sink, events.NewBus(), nil)
	s.Register(&fakeCollector{name: "REGTECH"}, 0)
	s.Start()
	defer s.Stop()

	st := s.Status()
	assert.True(t, st.ManualOnly)
	assert.Contains(t, st.Sources, "REGTECH")
}
