package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagastore/internal/metrics"
	"github.com/rendis/sagastore/internal/timers"
	"github.com/rendis/sagastore/pkg/schema"
)

// mockRunner tracks Run calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	WorkflowID string
	Opts       schema.RunOptions
}

func (r *mockRunner) Run(_ context.Context, workflowID string, opts schema.RunOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, Opts: opts})
	return r.err
}

func (r *mockRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// stubSchedule returns the queued instants in order, then the last one forever.
type stubSchedule struct {
	next []time.Time
}

func (s *stubSchedule) Next(time.Time) time.Time {
	t := s.next[0]
	if len(s.next) > 1 {
		s.next = s.next[1:]
	}
	return t
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, runner WorkflowRunner) (*Scheduler, *timers.FakeClock, *bytes.Buffer) {
	t.Helper()
	clock := timers.NewFakeClock(epoch)
	var buf bytes.Buffer
	s := New(Options{
		Runner:  runner,
		Pool:    timers.NewPool(clock),
		Logger:  slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	return s, clock, &buf
}

func TestSchedule_IntervalFiresAndReschedules(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "sync-products", schema.SchedulerOptions{Interval: time.Second}))

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, runner.count())

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, runner.count())

	clock.Advance(3 * time.Second)
	assert.Equal(t, 4, runner.count())

	call := runner.calls[0]
	assert.Equal(t, "sync-products", call.WorkflowID)
	assert.True(t, call.Opts.LogOnError)
	assert.False(t, call.Opts.ThrowOnError)
	assert.Empty(t, call.Opts.TransactionID)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 4, jobs[0].Executions)
}

func TestSchedule_ReplacesExistingJob(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "job", schema.SchedulerOptions{Interval: 10 * time.Second}))
	require.NoError(t, s.Schedule(ctx, "job", schema.SchedulerOptions{Interval: time.Second}))

	assert.Equal(t, 1, clock.Waiting(), "first timer must be cancelled")

	clock.Advance(10 * time.Second)
	assert.Equal(t, 10, runner.count())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, time.Second, jobs[0].Config.Interval)
}

func TestSchedule_NumberOfExecutionsCap(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "capped", schema.SchedulerOptions{
		Interval:           1000 * time.Millisecond,
		NumberOfExecutions: 2,
	}))

	clock.Advance(time.Second)
	clock.Advance(time.Second)
	assert.Equal(t, 2, runner.count())
	assert.False(t, s.Has("capped"))
	assert.Equal(t, 0, clock.Waiting())

	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, runner.count())
}

func TestSchedule_Cron(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)

	require.NoError(t, s.Schedule(context.Background(), "every-5s", schema.SchedulerOptions{Cron: "*/5 * * * * *"}))

	clock.Advance(4 * time.Second)
	assert.Equal(t, 0, runner.count())
	clock.Advance(time.Second)
	assert.Equal(t, 1, runner.count())
	clock.Advance(10 * time.Second)
	assert.Equal(t, 3, runner.count())
}

func TestSchedule_CronFiveFields(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)

	require.NoError(t, s.Schedule(context.Background(), "hourly", schema.SchedulerOptions{Cron: "0 * * * *"}))
	clock.Advance(time.Hour)
	assert.Equal(t, 1, runner.count())
}

func TestSchedule_NextRunAtFiresOnce(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)
	at := epoch.Add(30 * time.Second)

	require.NoError(t, s.Schedule(context.Background(), "once", schema.SchedulerOptions{NextRunAt: &at}))
	clock.Advance(time.Minute)
	assert.Equal(t, 1, runner.count())
	assert.False(t, s.Has("once"))
}

func TestSchedule_InvalidOptions(t *testing.T) {
	s, _, _ := newTestScheduler(t, &mockRunner{})
	ctx := context.Background()

	err := s.Schedule(ctx, "job", schema.SchedulerOptions{})
	require.Error(t, err)
	assert.True(t, schema.IsInvalidArgument(err))

	err = s.Schedule(ctx, "job", schema.SchedulerOptions{Cron: "not a cron"})
	require.Error(t, err)
	assert.True(t, schema.IsInvalidArgument(err))

	err = s.Schedule(ctx, "", schema.SchedulerOptions{Interval: time.Second})
	require.Error(t, err)
	assert.True(t, schema.IsInvalidArgument(err))

	assert.Empty(t, s.Jobs())
}

func TestScheduleDefinition(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)

	require.NoError(t, s.ScheduleDefinition(context.Background(), schema.JobDefinition{
		JobID:   "defined",
		Options: schema.SchedulerOptions{Interval: time.Minute},
	}))
	clock.Advance(time.Minute)
	require.Equal(t, 1, runner.count())
	assert.Equal(t, "defined", runner.calls[0].WorkflowID)
}

func TestRunJob_NotFoundRemovesJob(t *testing.T) {
	runner := &mockRunner{err: schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", "gone")}
	s, clock, logs := newTestScheduler(t, runner)

	require.NoError(t, s.Schedule(context.Background(), "gone", schema.SchedulerOptions{Interval: time.Second}))
	clock.Advance(time.Second)

	assert.False(t, s.Has("gone"))
	assert.Contains(t, logs.String(), "does not exist")
	assert.Contains(t, logs.String(), "level=WARN")

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, runner.count())
}

func TestRunJob_OtherErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	runner := &mockRunner{err: boom}
	s, clock, logs := newTestScheduler(t, runner)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, "flaky", schema.SchedulerOptions{Interval: time.Second}))

	err := s.RunJob(ctx, "flaky")
	assert.ErrorIs(t, err, boom)

	clock.Advance(time.Second)
	assert.Contains(t, logs.String(), "scheduled job execution failed")
	assert.True(t, s.Has("flaky"))
}

func TestRunJob_UnknownJobIsNoop(t *testing.T) {
	runner := &mockRunner{}
	s, _, _ := newTestScheduler(t, runner)
	assert.NoError(t, s.RunJob(context.Background(), "missing"))
	assert.Equal(t, 0, runner.count())
}

func TestRemove(t *testing.T) {
	runner := &mockRunner{}
	s, clock, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	assert.NoError(t, s.Remove(ctx, "missing"))

	require.NoError(t, s.Schedule(ctx, "a", schema.SchedulerOptions{Interval: time.Second}))
	require.NoError(t, s.Schedule(ctx, "b", schema.SchedulerOptions{Interval: time.Second}))
	require.NoError(t, s.Remove(ctx, "a"))
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))

	require.NoError(t, s.RemoveAll(ctx))
	assert.Empty(t, s.Jobs())
	clock.Advance(time.Minute)
	assert.Equal(t, 0, runner.count())
}

func TestCronDelay_NeverBelowOneMillisecond(t *testing.T) {
	now := epoch

	// Next occurrence already elapsed; the one after it is in the future.
	d, err := CronDelay(&stubSchedule{next: []time.Time{now.Add(-time.Second), now.Add(2 * time.Second)}}, now)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	// Both occurrences elapsed.
	d, err = CronDelay(&stubSchedule{next: []time.Time{now.Add(-2 * time.Second), now.Add(-time.Second)}}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, d)

	// Exactly now.
	d, err = CronDelay(&stubSchedule{next: []time.Time{now}}, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Millisecond)

	// Sub-millisecond future.
	d, err = CronDelay(&stubSchedule{next: []time.Time{now.Add(time.Microsecond)}}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, d)
}

func TestCronDelay_NoOccurrence(t *testing.T) {
	_, err := CronDelay(&stubSchedule{next: []time.Time{{}}}, epoch)
	require.Error(t, err)
	assert.True(t, schema.IsInvalidArgument(err))
}

// slowClock widens the window between Remove and re-arming inside Schedule.
type slowClock struct {
	*timers.FakeClock
}

func (c slowClock) Now() time.Time {
	time.Sleep(5 * time.Millisecond)
	return c.FakeClock.Now()
}

func TestSchedule_ConcurrentReplaceKeepsOneTimer(t *testing.T) {
	runner := &mockRunner{}
	clock := timers.NewFakeClock(epoch)
	s := New(Options{
		Runner:  runner,
		Pool:    timers.NewPool(slowClock{clock}),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Schedule(ctx, "sync-products", schema.SchedulerOptions{Interval: time.Second}))
		}()
	}
	wg.Wait()

	assert.Len(t, s.Jobs(), 1)
	assert.Equal(t, 1, clock.Waiting())

	clock.Advance(time.Second)
	assert.Equal(t, 1, runner.count())
	assert.Equal(t, 1, clock.Waiting())
}
