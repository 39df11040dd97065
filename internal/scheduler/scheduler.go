package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/sagastore/internal/metrics"
	"github.com/rendis/sagastore/internal/timers"
	"github.com/rendis/sagastore/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the orchestrator runtime (avoids import cycle).
type WorkflowRunner interface {
	Run(ctx context.Context, workflowID string, opts schema.RunOptions) error
}

// minDelay is the smallest delay ever armed, so an elapsed occurrence can
// never produce a busy-fire loop.
const minDelay = time.Millisecond

// Options configures a Scheduler.
type Options struct {
	Runner WorkflowRunner
	Pool   *timers.Pool
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Context is passed to every job run; defaults to context.Background().
	Context context.Context
}

// Scheduler fires recurring jobs on in-process timers. A job is driven by a
// cron expression, a fixed interval, or a single fixed instant.
type Scheduler struct {
	runner  WorkflowRunner
	pool    *timers.Pool
	parser  cron.Parser
	logger  *slog.Logger
	metrics *metrics.Metrics
	ctx     context.Context

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	id         string
	handle     *timers.Handle
	schedule   cron.Schedule
	interval   time.Duration
	config     schema.SchedulerOptions
	executions int
}

// JobInfo is a read-only snapshot of a registered job.
type JobInfo struct {
	JobID      string                  `json:"job_id"`
	Executions int                     `json:"executions"`
	Config     schema.SchedulerOptions `json:"config"`
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Pool == nil {
		opts.Pool = timers.NewPool(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Scheduler{
		runner:  opts.Runner,
		pool:    opts.Pool,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     opts.Context,
		jobs:    make(map[string]*job),
	}
}

// ScheduleDefinition is Schedule for a job definition.
func (s *Scheduler) ScheduleDefinition(ctx context.Context, def schema.JobDefinition) error {
	return s.Schedule(ctx, def.JobID, def.Options)
}

// Schedule registers jobID, replacing any job already registered under it.
func (s *Scheduler) Schedule(ctx context.Context, jobID string, opts schema.SchedulerOptions) error {
	if jobID == "" {
		return schema.NewError(schema.ErrCodeInvalidArgument, "scheduled job id is required")
	}
	// Always replace, so the schedule configuration is up to date.
	if err := s.Remove(ctx, jobID); err != nil {
		return err
	}

	j := &job{id: jobID, config: opts}
	switch {
	case opts.Cron != "":
		sched, err := s.parser.Parse(opts.Cron)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidArgument, "parse cron expression %q: %s", opts.Cron, err.Error()).WithCause(err)
		}
		j.schedule = sched
	case opts.Interval > 0:
		j.interval = opts.Interval
	case opts.NextRunAt != nil:
	default:
		return schema.NewError(schema.ErrCodeInvalidArgument,
			"schedule cron or interval definition is required for scheduled jobs")
	}

	delay, err := s.nextDelay(j, s.pool.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	// A concurrent Schedule may have registered jobID since Remove.
	if prev, ok := s.jobs[jobID]; ok {
		prev.handle.Stop()
	}
	s.arm(j, delay)
	s.jobs[jobID] = j
	n := len(s.jobs)
	s.mu.Unlock()
	s.metrics.SetScheduledJobs(n)

	s.logger.Debug("scheduled job",
		slog.String("job_id", jobID),
		slog.Duration("delay", delay),
	)
	return nil
}

// Remove cancels and forgets jobID. Unknown ids are a no-op.
func (s *Scheduler) Remove(_ context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	n := len(s.jobs)
	s.mu.Unlock()

	if ok {
		j.handle.Stop()
		s.metrics.SetScheduledJobs(n)
	}
	return nil
}

// RemoveAll cancels every job.
func (s *Scheduler) RemoveAll(_ context.Context) error {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		j.handle.Stop()
	}
	s.metrics.SetScheduledJobs(0)
	return nil
}

// Has reports whether jobID is registered.
func (s *Scheduler) Has(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// Jobs returns a snapshot of every registered job ordered by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{JobID: j.id, Executions: j.executions, Config: j.config})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(j *job, delay time.Duration) {
	j.handle = s.pool.AfterFunc(delay, func() {
		s.metrics.TimerFired(metrics.TimerJob)
		if err := s.RunJob(s.ctx, j.id); err != nil {
			s.logger.Error("scheduled job execution failed",
				slog.String("job_id", j.id),
				slog.String("error", err.Error()),
			)
		}
	})
}

// RunJob executes one firing of jobID and re-arms it. A job whose workflow no
// longer exists is removed permanently; any other runner error is returned
// and the job is not re-armed.
func (s *Scheduler) RunJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if exhausted(j) {
		delete(s.jobs, jobID)
		n := len(s.jobs)
		s.mu.Unlock()
		s.metrics.SetScheduledJobs(n)
		return nil
	}
	s.mu.Unlock()

	if s.runner == nil {
		return fmt.Errorf("run scheduled job %q: workflow runner not set", jobID)
	}

	err := s.runner.Run(ctx, jobID, schema.RunOptions{LogOnError: true, ThrowOnError: false})
	if err != nil {
		if schema.IsNotFound(err) {
			s.logger.Warn("tried to execute a scheduled workflow that does not exist, removing it from the scheduler",
				slog.String("job_id", jobID),
			)
			s.removeJob(j)
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[jobID]; !ok || cur != j {
		// Removed or replaced while running.
		return nil
	}
	j.executions++
	if (j.schedule == nil && j.interval == 0) || exhausted(j) {
		delete(s.jobs, jobID)
		s.metrics.SetScheduledJobs(len(s.jobs))
		return nil
	}
	delay, err := s.nextDelay(j, s.pool.Now())
	if err != nil {
		delete(s.jobs, jobID)
		s.metrics.SetScheduledJobs(len(s.jobs))
		return err
	}
	s.arm(j, delay)
	return nil
}

// removeJob forgets j unless it was already replaced under the same id.
func (s *Scheduler) removeJob(j *job) {
	s.mu.Lock()
	cur, ok := s.jobs[j.id]
	if ok && cur == j {
		delete(s.jobs, j.id)
	}
	n := len(s.jobs)
	s.mu.Unlock()
	j.handle.Stop()
	s.metrics.SetScheduledJobs(n)
}

func exhausted(j *job) bool {
	return j.config.NumberOfExecutions > 0 && j.executions >= j.config.NumberOfExecutions
}

func (s *Scheduler) nextDelay(j *job, now time.Time) (time.Duration, error) {
	switch {
	case j.schedule != nil:
		return CronDelay(j.schedule, now)
	case j.interval > 0:
		return j.interval, nil
	default:
		return clampDelay(j.config.NextRunAt.Sub(now)), nil
	}
}

// CronDelay returns the delay from now until the next occurrence of sched.
// If that occurrence has already elapsed, the one after it is used, and the
// result is never below one millisecond.
func CronDelay(sched cron.Schedule, now time.Time) (time.Duration, error) {
	next := sched.Next(now)
	if next.IsZero() {
		return 0, schema.NewError(schema.ErrCodeInvalidArgument, "cron expression has no future occurrence")
	}
	delay := next.Sub(now)
	if delay <= 0 {
		if after := sched.Next(next); !after.IsZero() {
			delay = after.Sub(now)
		}
	}
	return clampDelay(delay), nil
}

func clampDelay(d time.Duration) time.Duration {
	if d < minDelay {
		return minDelay
	}
	return d
}
