// Package orchestrator implements checkpoint storage and timer scheduling for
// saga-style distributed transactions.
//
// Checkpoints are cached in memory and persisted to an ExecutionStore at
// hand-off points. Every save of a flow with async steps is arbitrated
// against the freshest known state of the same transaction, so a stale
// execution aborts with a skip error instead of overwriting newer progress.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/sagastore/internal/logging"
	"github.com/rendis/sagastore/internal/metrics"
	"github.com/rendis/sagastore/internal/scheduler"
	"github.com/rendis/sagastore/internal/store"
	"github.com/rendis/sagastore/internal/timers"
	"github.com/rendis/sagastore/pkg/schema"
)

// DefaultReaperInterval is how often expired executions are swept.
const DefaultReaperInterval = time.Hour

// ErrRunnerNotSet is returned when a timer fires before SetWorkflowRunner was called.
var ErrRunnerNotSet = errors.New("orchestrator: workflow runner not set")

// ErrStorageStopped is returned by OnApplicationStart after OnApplicationShutdown.
// A Storage cannot be restarted; create a new one instead.
var ErrStorageStopped = errors.New("orchestrator: storage has been shut down")

// WorkflowRunner re-invokes a workflow. Timers and scheduled jobs call it.
type WorkflowRunner interface {
	Run(ctx context.Context, workflowID string, opts schema.RunOptions) error
}

// FlowValidator checks a flow before its first checkpoint is stored.
type FlowValidator interface {
	ValidateFlow(flow *schema.TransactionFlow) error
}

// GetOptions tunes checkpoint lookup.
type GetOptions struct {
	// Idempotent returns finished checkpoints too.
	Idempotent bool
	// IsCancelling returns FAILED and REVERTED checkpoints (DONE stays hidden).
	IsCancelling bool
}

// SaveOptions tunes checkpoint persistence.
type SaveOptions struct {
	// RetentionTime keeps a finished checkpoint durably for this long.
	RetentionTime *time.Duration
	Idempotent    bool
}

// Options configures a Storage.
type Options struct {
	Logger *slog.Logger
	// Clock drives every timer; nil means the real clock.
	Clock          timers.Clock
	ReaperInterval time.Duration
	// Registerer receives the metrics; nil uses a private registry.
	Registerer prometheus.Registerer
	// Runner may be left nil and set later with SetWorkflowRunner.
	Runner WorkflowRunner
	// Validator, when set, rejects malformed NOT_STARTED flows.
	Validator FlowValidator
}

type cacheEntry struct {
	flow   *schema.TransactionFlow
	errors []schema.TransactionStepError
}

// Storage is the in-memory distributed transaction storage backed by a
// durable ExecutionStore.
type Storage struct {
	store     store.ExecutionStore
	validator FlowValidator
	logger    *slog.Logger
	pool      *timers.Pool
	metrics   *metrics.Metrics
	sched     *scheduler.Scheduler

	reaperInterval time.Duration

	runnerMu sync.RWMutex
	runner   WorkflowRunner

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	timersMu     sync.Mutex
	retries      map[string]*timers.Handle
	timeouts     map[string]*timers.Handle
	stepTimeouts map[string]*timers.Handle

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	reaper      *timers.Handle
	baseCtx     context.Context
	cancel      context.CancelFunc
}

// New creates a Storage on top of es.
func New(es store.ExecutionStore, opts Options) *Storage {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = DefaultReaperInterval
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		store:          es,
		validator:      opts.Validator,
		logger:         opts.Logger,
		pool:           timers.NewPool(opts.Clock),
		metrics:        metrics.New(opts.Registerer),
		reaperInterval: opts.ReaperInterval,
		runner:         opts.Runner,
		cache:          make(map[string]cacheEntry),
		retries:        make(map[string]*timers.Handle),
		timeouts:       make(map[string]*timers.Handle),
		stepTimeouts:   make(map[string]*timers.Handle),
		baseCtx:        baseCtx,
		cancel:         cancel,
	}
	s.sched = scheduler.New(scheduler.Options{
		Runner:  runnerFunc(s.run),
		Pool:    s.pool,
		Logger:  opts.Logger,
		Metrics: s.metrics,
		Context: baseCtx,
	})
	return s
}

// SetWorkflowRunner binds the runner after construction. The runner usually
// depends on the storage itself, so it cannot always be passed to New.
func (s *Storage) SetWorkflowRunner(r WorkflowRunner) {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	s.runner = r
}

type runnerFunc func(ctx context.Context, workflowID string, opts schema.RunOptions) error

func (f runnerFunc) Run(ctx context.Context, workflowID string, opts schema.RunOptions) error {
	return f(ctx, workflowID, opts)
}

func (s *Storage) run(ctx context.Context, workflowID string, opts schema.RunOptions) error {
	s.runnerMu.RLock()
	r := s.runner
	s.runnerMu.RUnlock()
	if r == nil {
		return ErrRunnerNotSet
	}
	return r.Run(ctx, workflowID, opts)
}

// Get returns the latest checkpoint stored under key, or nil when there is
// none or it is hidden by opts. Durable read failures are treated as "no
// record"; only a malformed key is reported as an error.
func (s *Storage) Get(ctx context.Context, key string, opts GetOptions) (*schema.TransactionCheckpoint, error) {
	k, err := schema.ParseCheckpointKey(key)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.List(ctx, store.ExecutionFilter{
		WorkflowID:    k.WorkflowID,
		TransactionID: k.TransactionID,
	}, store.ListOptions{OrderDesc: true, Limit: 1})
	if err != nil {
		logging.LogWith(logging.WithIDs(ctx, k.WorkflowID, k.TransactionID, ""), s.logger).
			Debug("checkpoint lookup failed", slog.String("error", err.Error()))
		return nil, nil
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]

	if !opts.Idempotent && !visible(row.State, opts.IsCancelling) {
		return nil, nil
	}

	stored, err := schema.UnmarshalStoredContext(row.Context)
	if err != nil {
		s.logger.Debug("checkpoint context unreadable",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	cp := &schema.TransactionCheckpoint{
		Flow:          row.Execution,
		Context:       stored.Data,
		Errors:        stored.Errors,
		RetentionTime: row.RetentionTime,
	}
	// The cached entry reflects in-process mutations not yet persisted.
	if entry, ok := s.cached(key); ok {
		cp.Flow = entry.flow
		cp.Errors = entry.errors
	}
	if cp.Flow == nil {
		return nil, nil
	}
	return cp, nil
}

// visible reports whether a durable row in state st is returned by a
// non-idempotent lookup.
func visible(st schema.TransactionState, isCancelling bool) bool {
	switch st {
	case schema.TransactionStateDone:
		return false
	case schema.TransactionStateFailed, schema.TransactionStateReverted:
		return isCancelling
	default:
		return true
	}
}

// Save stores a checkpoint. It returns a skip error (see schema.IsSkipError)
// when the save belongs to an execution superseded by another one; the
// caller must then stop the execution without persisting anything else.
func (s *Storage) Save(ctx context.Context, key string, cp *schema.TransactionCheckpoint, _ time.Duration, opts SaveOptions) error {
	if cp == nil || cp.Flow == nil {
		return schema.NewError(schema.ErrCodeInvalidArgument, "checkpoint flow is required")
	}
	k, err := schema.ParseCheckpointKey(key)
	if err != nil {
		return err
	}
	flow := cp.Flow

	if flow.State == schema.TransactionStateNotStarted && s.validator != nil {
		if err := s.validator.ValidateFlow(flow); err != nil {
			return err
		}
	}

	if flow.HasAsyncSteps {
		if err := s.preventRaceCondition(ctx, key, flow, opts); err != nil {
			var se *schema.Error
			if errors.As(err, &se) {
				s.metrics.SkippedExecution(se.Code)
			}
			logging.LogWith(logging.WithIDs(ctx, k.WorkflowID, k.TransactionID, ""), s.logger).
				Debug("skipping stale execution", slog.String("reason", err.Error()))
			return err
		}
	}

	if opts.RetentionTime != nil {
		d := *opts.RetentionTime
		cp.RetentionTime = &d
	}

	if err := s.cacheCheckpoint(key, cp); err != nil {
		return err
	}

	finished := flow.State.IsTerminal()
	if finished && cp.RetentionTime == nil && flow.ParentStepIdempotencyKey() == "" {
		err = s.deleteFromStore(ctx, k, flow)
	} else {
		err = s.saveToStore(ctx, k, cp)
	}
	if finished {
		s.uncache(key)
	}
	return err
}

// DeleteCheckpoint removes the checkpoint under key from the cache and the
// durable store.
func (s *Storage) DeleteCheckpoint(ctx context.Context, key string) error {
	k, err := schema.ParseCheckpointKey(key)
	if err != nil {
		return err
	}
	s.uncache(key)
	_, err = s.store.Delete(ctx, store.ExecutionFilter{WorkflowID: k.WorkflowID, TransactionID: k.TransactionID})
	return err
}

// cacheCheckpoint replaces the cache entry for key. A caller-named
// transaction cannot be started twice while its entry is cached.
func (s *Storage) cacheCheckpoint(key string, cp *schema.TransactionCheckpoint) error {
	flow := cp.Flow
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if flow.State == schema.TransactionStateNotStarted && !schema.IsAutoTransactionID(flow.TransactionID) {
		if _, ok := s.cache[key]; ok {
			return schema.NewErrorf(schema.ErrCodeInvalidArgument,
				"transaction already started for transactionId: %s", flow.TransactionID)
		}
	}
	s.cache[key] = cacheEntry{
		flow:   flow.Clone(),
		errors: append([]schema.TransactionStepError(nil), cp.Errors...),
	}
	return nil
}

func (s *Storage) cached(key string) (cacheEntry, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return cacheEntry{}, false
	}
	return cacheEntry{
		flow:   e.flow.Clone(),
		errors: append([]schema.TransactionStepError(nil), e.errors...),
	}, true
}

func (s *Storage) uncache(key string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, key)
}

// Schedule registers a recurring job that re-runs workflow jobID.
func (s *Storage) Schedule(ctx context.Context, jobID string, opts schema.SchedulerOptions) error {
	return s.sched.Schedule(ctx, jobID, opts)
}

// ScheduleDefinition registers a recurring job from its definition.
func (s *Storage) ScheduleDefinition(ctx context.Context, def schema.JobDefinition) error {
	return s.sched.ScheduleDefinition(ctx, def)
}

// Remove cancels a recurring job.
func (s *Storage) Remove(ctx context.Context, jobID string) error {
	return s.sched.Remove(ctx, jobID)
}

// RemoveAll cancels every recurring job.
func (s *Storage) RemoveAll(ctx context.Context) error {
	return s.sched.RemoveAll(ctx)
}

// Scheduler exposes the job scheduler for inspection.
func (s *Storage) Scheduler() *scheduler.Scheduler { return s.sched }
