package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/finledger/finledger/internal/testing"
)

// statsJob reports fixed run statistics for history assertions.
type statsJob struct {
	name  string
	fn    func(ctx context.Context) error
	stats map[string]interface{}
}

func (j statsJob) Name() string                  { return j.name }
func (j statsJob) Run(ctx context.Context) error { return j.fn(ctx) }
func (j statsJob) Stats() map[string]interface{} { return j.stats }

func testTask(name string) TaskConfig {
	task := TaskConfig{Name: name, Cron: "0 0 0 1 1 *"}
	task.applyDefaults()
	return task
}

func newTestScheduler(t *testing.T) (*Scheduler, *History) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "jobs")
	t.Cleanup(cleanup)

	history := NewHistory(db.Conn(), zerolog.Nop())
	sched := New(Config{Log: zerolog.Nop(), History: history})
	// keep retry sleeps out of test time
	sched.baseDelay = time.Millisecond
	sched.maxDelay = 5 * time.Millisecond
	return sched, history
}

func TestRegisterRejectsNameMismatch(t *testing.T) {
	sched, _ := newTestScheduler(t)

	err := sched.Register(testTask("backup"), JobFunc{JobName: "cleanup", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	sched, _ := newTestScheduler(t)
	job := JobFunc{JobName: "backup", Fn: func(ctx context.Context) error { return nil }}

	require.NoError(t, sched.Register(testTask("backup"), job))
	assert.Error(t, sched.Register(testTask("backup"), job))
}

func TestRegisterRejectsBadCron(t *testing.T) {
	sched, _ := newTestScheduler(t)

	task := testTask("backup")
	task.Cron = "not a cron spec"
	err := sched.Register(task, JobFunc{JobName: "backup", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestDisabledTaskStillRunsManually(t *testing.T) {
	sched, _ := newTestScheduler(t)

	ran := false
	disabled := false
	task := testTask("backup")
	task.Enabled = &disabled
	require.NoError(t, sched.Register(task, JobFunc{JobName: "backup", Fn: func(ctx context.Context) error {
		ran = true
		return nil
	}}))

	require.NoError(t, sched.RunNow("backup"))
	assert.True(t, ran)
}

func TestRunNowUnknownTask(t *testing.T) {
	sched, _ := newTestScheduler(t)
	assert.Error(t, sched.RunNow("nonexistent"))
}

func TestRunNowRetriesAndRecords(t *testing.T) {
	sched, history := newTestScheduler(t)

	calls := 0
	task := testTask("ingest-pl-wse")
	task.MaxRetries = 3
	require.NoError(t, sched.Register(task, JobFunc{JobName: "ingest-pl-wse", Fn: func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("vendor page unavailable")
		}
		return nil
	}}))

	require.NoError(t, sched.RunNow("ingest-pl-wse"))
	assert.Equal(t, 3, calls)

	runs, err := history.Recent(context.Background(), "ingest-pl-wse", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Status)
	assert.Equal(t, 3, runs[0].Attempts)
	assert.Empty(t, runs[0].Error)
}

func TestRunNowExhaustsRetries(t *testing.T) {
	sched, history := newTestScheduler(t)

	calls := 0
	task := testTask("ingest-pl-nc")
	task.MaxRetries = 1
	require.NoError(t, sched.Register(task, JobFunc{JobName: "ingest-pl-nc", Fn: func(ctx context.Context) error {
		calls++
		return errors.New("browser session lost")
	}}))

	require.NoError(t, sched.RunNow("ingest-pl-nc"))
	assert.Equal(t, 2, calls)

	runs, err := history.Recent(context.Background(), "ingest-pl-nc", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "error", runs[0].Status)
	assert.Equal(t, 2, runs[0].Attempts)
	assert.Contains(t, runs[0].Error, "browser session lost")
}

func TestRunNowRecoversPanic(t *testing.T) {
	sched, history := newTestScheduler(t)

	require.NoError(t, sched.Register(testTask("cache-cleanup"), JobFunc{JobName: "cache-cleanup", Fn: func(ctx context.Context) error {
		panic("boom")
	}}))

	require.NoError(t, sched.RunNow("cache-cleanup"))

	runs, err := history.Recent(context.Background(), "cache-cleanup", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "error", runs[0].Status)
	assert.Contains(t, runs[0].Error, "panic")
}

func TestRunNowHonorsHardTimeout(t *testing.T) {
	sched, history := newTestScheduler(t)

	task := testTask("backup")
	task.SoftTimeout = 5 * time.Millisecond
	task.HardTimeout = 20 * time.Millisecond
	require.NoError(t, sched.Register(task, JobFunc{JobName: "backup", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	require.NoError(t, sched.RunNow("backup"))

	runs, err := history.Recent(context.Background(), "backup", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "error", runs[0].Status)
}

func TestRunNowPersistsJobStats(t *testing.T) {
	sched, history := newTestScheduler(t)

	job := statsJob{
		name:  "ingest-pl-wse",
		fn:    func(ctx context.Context) error { return nil },
		stats: map[string]interface{}{"processed": 42, "failed": 1},
	}
	require.NoError(t, sched.Register(testTask("ingest-pl-wse"), job))
	require.NoError(t, sched.RunNow("ingest-pl-wse"))

	runs, err := history.Recent(context.Background(), "ingest-pl-wse", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Stats)
	assert.EqualValues(t, 42, runs[0].Stats["processed"])
	assert.EqualValues(t, 1, runs[0].Stats["failed"])
}

func TestRetryDelayBackoff(t *testing.T) {
	sched := New(Config{Log: zerolog.Nop()})

	for attempt := 0; attempt < 8; attempt++ {
		delay := sched.retryDelay(attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(float64(baseRetryDelay)*0.8))
		assert.LessOrEqual(t, delay, time.Duration(float64(maxRetryDelay)*1.2))
	}
}
