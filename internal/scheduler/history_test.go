package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/finledger/finledger/internal/testing"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "jobs")
	t.Cleanup(cleanup)
	return NewHistory(db.Conn(), zerolog.Nop())
}

func TestHistoryRecentNewestFirst(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		startedAt := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, history.Record(ctx, RunRecord{
			Job:        "ingest-pl-wse",
			StartedAt:  startedAt,
			FinishedAt: startedAt.Add(time.Minute),
			Status:     "ok",
			Attempts:   1,
			Stats:      map[string]interface{}{"processed": 10 + i},
		}))
	}
	// another job's runs must not leak into the listing
	require.NoError(t, history.Record(ctx, RunRecord{
		Job: "backup", StartedAt: base, FinishedAt: base, Status: "ok", Attempts: 1,
	}))

	runs, err := history.Recent(ctx, "ingest-pl-wse", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
	assert.EqualValues(t, 12, runs[0].Stats["processed"])
	assert.Equal(t, "ingest-pl-wse", runs[0].Job)
}

func TestHistoryRecordWithoutStats(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, history.Record(ctx, RunRecord{
		Job:        "cache-cleanup",
		StartedAt:  now,
		FinishedAt: now,
		Status:     "error",
		Attempts:   2,
		Error:      "cache database locked",
	}))

	runs, err := history.Recent(ctx, "cache-cleanup", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Stats)
	assert.Equal(t, "cache database locked", runs[0].Error)
	assert.Equal(t, 2, runs[0].Attempts)
}

func TestHistoryPrune(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-72 * time.Hour)
	require.NoError(t, history.Record(ctx, RunRecord{
		Job: "backup", StartedAt: old, FinishedAt: old, Status: "ok", Attempts: 1,
	}))
	require.NoError(t, history.Record(ctx, RunRecord{
		Job: "backup", StartedAt: now, FinishedAt: now, Status: "ok", Attempts: 1,
	}))

	removed, err := history.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	runs, err := history.Recent(ctx, "backup", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.WithinDuration(t, now, runs[0].StartedAt, time.Second)
}
