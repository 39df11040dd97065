package orchestrator

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rendis/sagastore/internal/store"
	"github.com/rendis/sagastore/internal/timers"
	"github.com/rendis/sagastore/pkg/schema"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type runCall struct {
	workflowID string
	opts       schema.RunOptions
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

func (r *recordingRunner) Run(_ context.Context, workflowID string, opts schema.RunOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{workflowID: workflowID, opts: opts})
	return r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// failingStore wraps a MemoryStore and fails the configured operations.
type failingStore struct {
	*store.MemoryStore
	listErr   error
	deleteErr error
}

func (f *failingStore) List(ctx context.Context, filter store.ExecutionFilter, opts store.ListOptions) ([]*store.WorkflowExecution, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.List(ctx, filter, opts)
}

func (f *failingStore) Delete(ctx context.Context, filter store.ExecutionFilter) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.MemoryStore.Delete(ctx, filter)
}

type testEnv struct {
	storage *Storage
	mem     *store.MemoryStore
	clock   *timers.FakeClock
	runner  *recordingRunner
	logs    *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil)
}

func newTestEnvWithStore(t *testing.T, es store.ExecutionStore) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	if es == nil {
		es = mem
	}
	env := &testEnv{
		mem:    mem,
		clock:  timers.NewFakeClock(testStart),
		runner: &recordingRunner{},
		logs:   &bytes.Buffer{},
	}
	env.storage = New(es, Options{
		Logger: slog.New(slog.NewTextHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Clock:  env.clock,
		Runner: env.runner,
	})
	t.Cleanup(func() { _ = env.storage.OnApplicationShutdown(context.Background()) })
	return env
}

func key(txID string) string {
	return schema.CheckpointKey{Namespace: "dtrx", WorkflowID: "create-order", TransactionID: txID}.String()
}

// orderFlow builds reserve (sync) -> charge (async) -> notify (sync, nested).
func orderFlow(txID string) *schema.TransactionFlow {
	step := func(id string, depth int, async bool) *schema.TransactionStep {
		return &schema.TransactionStep{
			ID:         id,
			Depth:      depth,
			Definition: schema.StepDefinition{Action: id, Async: async},
			Invoke:     schema.StepPhase{State: schema.StepStateNotStarted},
			Compensate: schema.StepPhase{State: schema.StepStateNotStarted},
		}
	}
	return schema.NewTransactionFlow("create-order", txID,
		step("reserve", 1, false),
		step("charge", 1, true),
		step("notify", 2, false),
	)
}

// syncFlow has no async steps.
func syncFlow(txID string) *schema.TransactionFlow {
	f := orderFlow(txID)
	for _, s := range f.Steps {
		s.Definition.Async = false
	}
	f.HasAsyncSteps = false
	return f
}

func checkpoint(f *schema.TransactionFlow) *schema.TransactionCheckpoint {
	return &schema.TransactionCheckpoint{
		Flow:    f,
		Context: schema.TransactionContext{Payload: map[string]any{"order": "o-1"}},
	}
}

func at(offset time.Duration) *time.Time {
	t := testStart.Add(offset)
	return &t
}

// attempt marks the step's invoke phase with state at time offset.
func attempt(f *schema.TransactionFlow, stepID string, state schema.StepState, offset time.Duration) {
	s := f.Step(stepID)
	s.Invoke.State = state
	s.Invoke.LastAttempt = at(offset)
	s.LastAttempt = at(offset)
}

func retention(d time.Duration) *time.Duration { return &d }
