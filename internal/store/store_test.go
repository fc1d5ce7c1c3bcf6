package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ service.ReportStore  = (*SQLiteReportStore)(nil)
	_ service.ReportStore  = (*PostgresReportStore)(nil)
	_ service.LeaseManager = (*RedisLeaseManager)(nil)
)

func sampleReport(id string, started time.Time) *model.Report {
	return &model.Report{
		RunID:     id,
		Reason:    "node n2 rejoined",
		StartedAt: started,
		Duration:  150 * time.Millisecond,
		Units: []*model.RunResult{
			{
				StructureID:   "orders",
				Policy:        "higher_hits",
				KeysProcessed: 99,
				KeysFailed:    1,
				Errors:        []model.KeyError{{Key: "k7", Kind: "DeserializationError", Message: "bad bytes"}},
				FinalState:    model.RunStateCompletedWithErrors,
				StartedAt:     started,
				Duration:      100 * time.Millisecond,
			},
			{
				StructureID: "sessions",
				FinalState:  model.RunStatePending,
				Cause:       "merge cancelled",
				CauseKind:   "Cancelled",
			},
		},
	}
}

func openSQLite(t *testing.T) *SQLiteReportStore {
	t.Helper()
	s, err := OpenSQLiteReportStore(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteReportStore_SaveGet(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleReport("run-1", started)))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "node n2 rejoined", got.Reason)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 150*time.Millisecond, got.Duration)
	require.Len(t, got.Units, 2)

	orders := got.Units[0]
	assert.Equal(t, "orders", orders.StructureID)
	assert.Equal(t, model.RunStateCompletedWithErrors, orders.FinalState)
	assert.Equal(t, 99, orders.KeysProcessed)
	assert.Equal(t, []model.KeyError{{Key: "k7", Kind: "DeserializationError", Message: "bad bytes"}}, orders.Errors)
	assert.True(t, orders.StartedAt.Equal(started))

	sessions := got.Units[1]
	assert.Equal(t, model.RunStatePending, sessions.FinalState)
	assert.Equal(t, "Cancelled", sessions.CauseKind)
	assert.True(t, sessions.StartedAt.IsZero())
	assert.Empty(t, sessions.Errors)
}

func TestSQLiteReportStore_SaveReplaces(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	report := sampleReport("run-1", time.Now())
	require.NoError(t, s.Save(ctx, report))

	report.Units = report.Units[:1]
	report.Units[0].Errors = nil
	report.Cancelled = true
	require.NoError(t, s.Save(ctx, report))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	require.Len(t, got.Units, 1)
	assert.Empty(t, got.Units[0].Errors)
}

func TestSQLiteReportStore_NotFound(t *testing.T) {
	s := openSQLite(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrReportNotFound)
}

func TestSQLiteReportStore_ListNewestFirst(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, sampleReport("run-"+strconv.Itoa(i), base.Add(time.Duration(i)*time.Hour))))
	}

	reports, err := s.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "run-4", reports[0].RunID)
	assert.Equal(t, "run-3", reports[1].RunID)
	assert.Equal(t, "run-2", reports[2].RunID)
	assert.Len(t, reports[0].Units, 2)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestPostgresReportStore(t *testing.T) {
	dsn := os.Getenv("PAIRDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAIRDB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := ConnectPostgresReportStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	started := time.Now().UTC().Truncate(time.Microsecond)
	runID := "pg-" + strconv.FormatInt(started.UnixNano(), 10)
	require.NoError(t, s.Save(ctx, sampleReport(runID, started)))

	got, err := s.Get(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got.Units, 2)
	assert.Len(t, got.Units[0].Errors, 1)
	assert.True(t, got.StartedAt.Equal(started))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrReportNotFound)
}

func TestRedisLeaseManager(t *testing.T) {
	addr := os.Getenv("PAIRDB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAIRDB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	m := NewRedisLeaseManager(client, 300*time.Millisecond, zap.NewNop())
	defer m.Close()
	ctx := context.Background()
	structure := "lease-test-" + strconv.FormatInt(time.Now().UnixNano(), 10)

	lease, err := m.Acquire(ctx, structure)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(waitCtx, structure)
	assert.Error(t, err, "renewal keeps the lease past its ttl")

	require.NoError(t, lease.Release(ctx))

	again, err := m.Acquire(ctx, structure)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
