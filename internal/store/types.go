package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/sagastore/pkg/schema"
)

// WorkflowExecution is the persisted representation of one transaction run.
type WorkflowExecution struct {
	ID            int64                   `json:"id"`
	WorkflowID    string                  `json:"workflow_id"`
	TransactionID string                  `json:"transaction_id"`
	RunID         string                  `json:"run_id"`
	Execution     *schema.TransactionFlow `json:"execution"`
	Context       json.RawMessage         `json:"context,omitempty"`
	State         schema.TransactionState `json:"state"`
	RetentionTime *time.Duration          `json:"retention_time,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// ExpiresAt returns when the execution becomes eligible for reaping, or nil
// if it has no retention time.
func (e *WorkflowExecution) ExpiresAt() *time.Time {
	if e.RetentionTime == nil {
		return nil
	}
	t := e.UpdatedAt.Add(*e.RetentionTime)
	return &t
}

// --- Filter and option types ---

// ExecutionFilter specifies criteria for listing or deleting executions.
// Zero-valued fields are ignored.
type ExecutionFilter struct {
	WorkflowID    string                    `json:"workflow_id,omitempty"`
	TransactionID string                    `json:"transaction_id,omitempty"`
	RunID         string                    `json:"run_id,omitempty"`
	States        []schema.TransactionState `json:"states,omitempty"`
	// ExpiredAt selects executions with a retention time whose
	// updated_at + retention_time is at or before this instant.
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
}

// IsEmpty reports whether the filter has no criteria.
func (f ExecutionFilter) IsEmpty() bool {
	return f.WorkflowID == "" && f.TransactionID == "" && f.RunID == "" &&
		len(f.States) == 0 && f.ExpiredAt == nil
}

// ListOptions controls ordering and size of List results.
type ListOptions struct {
	// OrderDesc orders by id descending (most recent run first).
	OrderDesc bool `json:"order_desc,omitempty"`
	Limit     int  `json:"limit,omitempty"`
}
