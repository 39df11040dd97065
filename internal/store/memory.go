package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
)

type executionKey struct {
	workflowID, transactionID, runID string
}

// MemoryStore is an in-process ExecutionStore. Rows are deep-copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[executionKey]*WorkflowExecution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[executionKey]*WorkflowExecution)}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) List(ctx context.Context, filter ExecutionFilter, opts ListOptions) ([]*WorkflowExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowExecution
	for _, e := range m.rows {
		if matches(e, filter) {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.OrderDesc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, executions []*WorkflowExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range executions {
		k := executionKey{e.WorkflowID, e.TransactionID, e.RunID}
		cp := copyExecution(e)
		cp.UpdatedAt = timeOrNow(e.UpdatedAt)
		cp.RetentionTime = wholeSeconds(e.RetentionTime)
		if existing, ok := m.rows[k]; ok {
			cp.ID = existing.ID
			cp.CreatedAt = existing.CreatedAt
		} else {
			m.nextID++
			cp.ID = m.nextID
			cp.CreatedAt = timeOrNow(e.CreatedAt)
		}
		m.rows[k] = cp
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, filter ExecutionFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, emptyFilterError()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.rows {
		if matches(e, filter) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored executions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func matches(e *WorkflowExecution, f ExecutionFilter) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TransactionID != "" && e.TransactionID != f.TransactionID {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, e.State) {
		return false
	}
	if f.ExpiredAt != nil {
		exp := e.ExpiresAt()
		if exp == nil || exp.UnixMilli() > f.ExpiredAt.UnixMilli() {
			return false
		}
	}
	return true
}

func copyExecution(e *WorkflowExecution) *WorkflowExecution {
	cp := *e
	cp.Execution = e.Execution.Clone()
	if e.Context != nil {
		cp.Context = append(json.RawMessage(nil), e.Context...)
	}
	if e.RetentionTime != nil {
		d := *e.RetentionTime
		cp.RetentionTime = &d
	}
	return &cp
}

var _ ExecutionStore = (*MemoryStore)(nil)
var _ ExecutionStore = (*LibSQLStore)(nil)
var _ ExecutionStore = (*PostgresStore)(nil)
