package store

import "context"

// ExecutionStore persists workflow execution checkpoints.
// All implementations must be safe for concurrent use.
type ExecutionStore interface {
	// List returns executions matching filter.
	List(ctx context.Context, filter ExecutionFilter, opts ListOptions) ([]*WorkflowExecution, error)

	// Upsert inserts executions or replaces the row sharing the same
	// (workflow_id, transaction_id, run_id).
	Upsert(ctx context.Context, executions []*WorkflowExecution) error

	// Delete removes executions matching filter and returns how many were removed.
	// An empty filter is rejected.
	Delete(ctx context.Context, filter ExecutionFilter) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
