// Package scheduler fires background jobs on cron schedules with retries,
// per-task time limits and a process memory guard.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/finledger/finledger/internal/metrics"
)

// Job is a unit of scheduled work. Run must honor ctx cancellation: the
// hard time limit arrives through it.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// StatsReporter lets a job attach run statistics to its history record.
type StatsReporter interface {
	Stats() map[string]interface{}
}

// JobFunc adapts a closure into a Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

const (
	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

// Scheduler wraps robfig/cron with retrying, panic-safe job execution.
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	history *History
	metrics *metrics.Metrics
	worker  WorkerConfig

	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	entries map[string]registered
}

type registered struct {
	task TaskConfig
	job  Job
}

// Config wires the scheduler's collaborators. History and Metrics may be
// nil; the memory guard is disabled when HardMemoryMB is zero.
type Config struct {
	Log     zerolog.Logger
	History *History
	Metrics *metrics.Metrics
	Worker  WorkerConfig
}

// New creates a scheduler with second-precision cron parsing.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		log:       cfg.Log.With().Str("component", "scheduler").Logger(),
		history:   cfg.History,
		metrics:   cfg.Metrics,
		worker:    cfg.Worker,
		baseDelay: baseRetryDelay,
		maxDelay:  maxRetryDelay,
		entries:   make(map[string]registered),
	}
}

// Register binds a job to a task definition. Disabled tasks are recorded
// for RunNow but never fire on schedule.
func (s *Scheduler) Register(task TaskConfig, job Job) error {
	if task.Name != job.Name() {
		return fmt.Errorf("task %s bound to job %s", task.Name, job.Name())
	}

	s.mu.Lock()
	if _, exists := s.entries[task.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s already registered", task.Name)
	}
	s.entries[task.Name] = registered{task: task, job: job}
	s.mu.Unlock()

	if !task.IsEnabled() {
		s.log.Info().Str("job", task.Name).Msg("Task disabled, skipping schedule")
		return nil
	}

	_, err := s.cron.AddFunc(task.Cron, func() {
		s.execute(task, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s (%q): %w", task.Name, task.Cron, err)
	}

	s.log.Info().Str("job", task.Name).Str("cron", task.Cron).Msg("Task scheduled")
	return nil
}

// Start begins firing scheduled tasks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("tasks", len(s.entries)).Msg("Scheduler started")
}

// Stop halts scheduling and waits for in-flight runs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.log.Info().Msg("Scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs in flight")
	}
}

// RunNow executes a registered task immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	entry, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", name)
	}
	s.execute(entry.task, entry.job)
	return nil
}

// execute runs one task with the retry/backoff/limits policy.
func (s *Scheduler) execute(task TaskConfig, job Job) {
	log := s.log.With().Str("job", task.Name).Logger()

	if skip, rss := s.memoryExceeded(); skip {
		log.Error().Uint64("rss_mb", rss).Msg("Memory above hard cap, skipping run")
		s.record(task.Name, time.Now(), time.Now(), "skipped", 0, nil, nil)
		return
	}

	startedAt := time.Now()
	var err error
	attempts := 0

	for attempts <= task.MaxRetries {
		attempts++
		err = s.runOnce(task, job, log)
		if err == nil {
			break
		}
		if attempts > task.MaxRetries {
			break
		}
		delay := s.retryDelay(attempts - 1)
		log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("Job failed, retrying")
		time.Sleep(delay)
	}

	status := "ok"
	if err != nil {
		status = "error"
		log.Error().Err(err).Int("attempts", attempts).Msg("Job failed permanently")
	} else {
		log.Info().Int("attempts", attempts).Dur("elapsed", time.Since(startedAt)).Msg("Job finished")
	}

	var stats map[string]interface{}
	if reporter, ok := job.(StatsReporter); ok {
		stats = reporter.Stats()
	}
	s.record(task.Name, startedAt, time.Now(), status, attempts, err, stats)
}

// runOnce executes a single attempt under the task's time limits with
// panic recovery.
func (s *Scheduler) runOnce(task TaskConfig, job Job, log zerolog.Logger) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), task.HardTimeout)
	defer cancel()

	soft := time.AfterFunc(task.SoftTimeout, func() {
		log.Warn().Dur("soft_timeout", task.SoftTimeout).Msg("Job exceeded soft time limit")
	})
	defer soft.Stop()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in job %s: %v", job.Name(), p)
		}
	}()

	return job.Run(ctx)
}

// retryDelay computes exponential backoff with ±20% jitter, capped.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delay := s.baseDelay << uint(attempt)
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// memoryExceeded reports whether the process RSS is above the hard cap.
// The soft cap only logs.
func (s *Scheduler) memoryExceeded() (bool, uint64) {
	if s.worker.SoftMemoryMB == 0 && s.worker.HardMemoryMB == 0 {
		return false, 0
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return false, 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return false, 0
	}

	rssMB := mem.RSS / (1 << 20)
	if s.worker.HardMemoryMB > 0 && rssMB >= s.worker.HardMemoryMB {
		return true, rssMB
	}
	if s.worker.SoftMemoryMB > 0 && rssMB >= s.worker.SoftMemoryMB {
		s.log.Warn().Uint64("rss_mb", rssMB).Uint64("soft_cap_mb", s.worker.SoftMemoryMB).
			Msg("Memory above soft cap")
	}
	return false, rssMB
}

// record persists the run to history and bumps the metric.
func (s *Scheduler) record(job string, startedAt, finishedAt time.Time, status string, attempts int, runErr error, stats map[string]interface{}) {
	if s.metrics != nil {
		s.metrics.JobRuns.WithLabelValues(job, status).Inc()
	}
	if s.history == nil {
		return
	}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	rec := RunRecord{
		Job:        job,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Status:     status,
		Attempts:   attempts,
		Error:      errText,
		Stats:      stats,
	}
	if err := s.history.Record(context.Background(), rec); err != nil {
		s.log.Warn().Err(err).Str("job", job).Msg("Failed to record job history")
	}
}
