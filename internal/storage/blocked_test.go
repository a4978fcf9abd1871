package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewWithDB(db, Options{MasterKey: "test-master-key"})
	require.NoError(t, err)
	return store, mock
}

func sampleRecord(ip string) core.NormalizedRecord {
	payload, _ := json.Marshal(map[string]string{"ip": ip})
	return core.NormalizedRecord{
		IPAddress:  ip,
		Source:     "REGTECH",
		Country:    "KR",
		Reason:     "malicious host",
		Confidence: 90,
		IsActive:   true,
		RawPayload: payload,
	}
}

func expectBatch(mock sqlmock.Sqlmock, records []core.NormalizedRecord, existing map[string]bool) {
	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL work_mem`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET LOCAL maintenance_work_mem`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET LOCAL synchronous_commit`).WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"ip_address", "source"})
	for _, rec := range records {
		if existing[rec.IPAddress] {
			rows.AddRow(rec.IPAddress, rec.Source)
		}
	}
	mock.ExpectQuery(`SELECT ip_address, source FROM blocked_ips WHERE ip_address = ANY`).
		WillReturnRows(rows)

	prep := mock.ExpectPrepare(`INSERT INTO blocked_ips`)
	for range records {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()
}

func TestUpsertBatchCountsNewAndUpdated(t *testing.T) {
	store, mock := newMockStore(t)

	records := []core.NormalizedRecord{
		sampleRecord("1.2.3.4"),
		sampleRecord("5.6.7.8"),
		sampleRecord("9.9.9.9"),
	}
	expectBatch(mock, records, map[string]bool{"5.6.7.8": true})

	res, err := store.UpsertBatch(context.Background(), records, DefaultBatchSize)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.NewCount)
	assert.Equal(t, 1, res.UpdatedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchSplitsAndSurvivesFailedBatch(t *testing.T) {
	store, mock := newMockStore(t)

	records := []core.NormalizedRecord{
		sampleRecord("1.1.1.1"),
		sampleRecord("2.2.2.2"),
		sampleRecord("3.3.3.3"),
	}

	// First batch of two fails at BEGIN and is skipped; the second batch
	// of one commits.
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
	expectBatch(mock, records[2:], nil)

	res, err := store.UpsertBatch(context.Background(), records, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.NewCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchAllFailedReturnsError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("down"))

	_, err := store.UpsertBatch(context.Background(), []core.NormalizedRecord{sampleRecord("1.1.1.1")}, 10)
	require.Error(t, err)
}

func TestManualAddDuplicateMapsToErrDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO blocked_ips`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.ManualAdd(context.Background(), sampleRecord("9.9.9.9"))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "9.9.9.9")
}

func TestActiveIPsExcludesWhitelistInQuery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT ip_address FROM blocked_ips_active`).
		WillReturnRows(sqlmock.NewRows([]string{"ip_address"}).
			AddRow("1.2.3.4").AddRow("5.6.7.8"))

	ips, err := store.ActiveIPs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, ips)
}

func TestGetActiveByIPNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM blocked_ips_active`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetActiveByIP(context.Background(), "8.8.8.8")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkExpiredInactive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE blocked_ips SET is_active = false`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.MarkExpiredInactive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestInsertRunLedger(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectExec(`INSERT INTO collection_history`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.InsertRun(context.Background(), core.CollectionRun{
		ServiceName:    "REGTECH",
		StartedAt:      now.Add(-2 * time.Second),
		FinishedAt:     now,
		Success:        true,
		ItemsCollected: 120,
		DurationMS:     2000,
	})
	require.NoError(t, err)
}
