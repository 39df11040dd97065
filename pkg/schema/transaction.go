package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RootStepID is the id of the sentinel step every flow starts with.
const RootStepID = "_root"

// AutoTransactionIDPrefix marks transaction ids generated by the runtime
// rather than supplied by a caller.
const AutoTransactionIDPrefix = "auto-"

// TransactionState enumerates the lifecycle states of a transaction flow.
type TransactionState string

const (
	TransactionStateNotStarted          TransactionState = "NOT_STARTED"
	TransactionStateInvoking            TransactionState = "INVOKING"
	TransactionStateWaitingToCompensate TransactionState = "WAITING_TO_COMPENSATE"
	TransactionStateCompensating        TransactionState = "COMPENSATING"
	TransactionStateDone                TransactionState = "DONE"
	TransactionStateFailed              TransactionState = "FAILED"
	TransactionStateReverted            TransactionState = "REVERTED"
)

// IsTerminal reports whether no further step will run for the flow.
func (s TransactionState) IsTerminal() bool {
	switch s {
	case TransactionStateDone, TransactionStateFailed, TransactionStateReverted:
		return true
	default:
		return false
	}
}

// TerminalTransactionStates lists the states in which a flow is finished.
var TerminalTransactionStates = []TransactionState{
	TransactionStateDone,
	TransactionStateFailed,
	TransactionStateReverted,
}

// StepState enumerates the states of a step's invoke or compensate phase.
type StepState string

const (
	StepStateNotStarted     StepState = "NOT_STARTED"
	StepStateInvoking       StepState = "INVOKING"
	StepStateCompensating   StepState = "COMPENSATING"
	StepStateDone           StepState = "DONE"
	StepStateReverted       StepState = "REVERTED"
	StepStateFailed         StepState = "FAILED"
	StepStateDormant        StepState = "DORMANT"
	StepStateSkipped        StepState = "SKIPPED"
	StepStateSkippedFailure StepState = "SKIPPED_FAILURE"
	StepStateTimeout        StepState = "TIMEOUT"
)

// StepPhase is the invoke or compensate half of a step.
type StepPhase struct {
	State       StepState  `json:"state"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// StepDefinition carries the per-step settings the storage layer reads.
type StepDefinition struct {
	Action        string        `json:"action,omitempty"`
	Async         bool          `json:"async,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	RetryInterval time.Duration `json:"retry_interval,omitempty"`
}

// TransactionStep is one node of a transaction flow.
type TransactionStep struct {
	ID          string         `json:"id"`
	Depth       int            `json:"depth"`
	Definition  StepDefinition `json:"definition"`
	Invoke      StepPhase      `json:"invoke"`
	Compensate  StepPhase      `json:"compensate"`
	Attempts    int            `json:"attempts,omitempty"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
}

// FlowMetadata is propagated to every re-invocation of the workflow runner.
type FlowMetadata struct {
	ParentStepIdempotencyKey string `json:"parent_step_idempotency_key,omitempty"`
	EventGroupID             string `json:"event_group_id,omitempty"`
	PreventReleaseEvents     bool   `json:"prevent_release_events,omitempty"`
}

// TransactionFlow is the execution graph of one workflow run. Steps are kept
// in execution order and always begin with the root sentinel.
type TransactionFlow struct {
	ModelID       string             `json:"model_id"`
	TransactionID string             `json:"transaction_id"`
	RunID         string             `json:"run_id"`
	State         TransactionState   `json:"state"`
	HasAsyncSteps bool               `json:"has_async_steps"`
	CancelledAt   *time.Time         `json:"cancelled_at,omitempty"`
	Metadata      *FlowMetadata      `json:"metadata,omitempty"`
	Steps         []*TransactionStep `json:"steps"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	Timeout       time.Duration      `json:"timeout,omitempty"`
}

// NewTransactionFlow creates a NOT_STARTED flow with the root sentinel followed
// by steps. The root carries no invoke or compensate state.
func NewTransactionFlow(modelID, transactionID string, steps ...*TransactionStep) *TransactionFlow {
	flow := &TransactionFlow{
		ModelID:       modelID,
		TransactionID: transactionID,
		RunID:         uuid.NewString(),
		State:         TransactionStateNotStarted,
		Steps:         []*TransactionStep{{ID: RootStepID}},
	}
	for _, s := range steps {
		if s.Definition.Async {
			flow.HasAsyncSteps = true
		}
		flow.Steps = append(flow.Steps, s)
	}
	return flow
}

// Step returns the step with the given id, or nil.
func (f *TransactionFlow) Step(id string) *TransactionStep {
	for _, s := range f.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ParentStepIdempotencyKey returns the parent key from metadata, or "".
func (f *TransactionFlow) ParentStepIdempotencyKey() string {
	if f.Metadata == nil {
		return ""
	}
	return f.Metadata.ParentStepIdempotencyKey
}

// Clone returns a deep copy of the flow.
func (f *TransactionFlow) Clone() *TransactionFlow {
	if f == nil {
		return nil
	}
	cp := *f
	cp.CancelledAt = cloneTime(f.CancelledAt)
	cp.StartedAt = cloneTime(f.StartedAt)
	if f.Metadata != nil {
		md := *f.Metadata
		cp.Metadata = &md
	}
	cp.Steps = make([]*TransactionStep, len(f.Steps))
	for i, s := range f.Steps {
		sc := *s
		sc.LastAttempt = cloneTime(s.LastAttempt)
		sc.Invoke.LastAttempt = cloneTime(s.Invoke.LastAttempt)
		sc.Compensate.LastAttempt = cloneTime(s.Compensate.LastAttempt)
		cp.Steps[i] = &sc
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransactionContext carries workflow data opaque to the storage layer.
type TransactionContext struct {
	Payload    any            `json:"payload,omitempty"`
	Invoke     map[string]any `json:"invoke,omitempty"`
	Compensate map[string]any `json:"compensate,omitempty"`
}

// TransactionStepError records a step failure.
type TransactionStepError struct {
	Action  string    `json:"action"`
	Handler string    `json:"handler"` // invoke | compensate
	Error   string    `json:"error"`
	At      time.Time `json:"at,omitzero"`
}

// TransactionCheckpoint is the unit of persistence.
type TransactionCheckpoint struct {
	Flow          *TransactionFlow       `json:"flow"`
	Context       TransactionContext     `json:"context"`
	Errors        []TransactionStepError `json:"errors,omitempty"`
	RetentionTime *time.Duration         `json:"retention_time,omitempty"`
}

// StoredContext is the durable rendering of a checkpoint's context and errors.
type StoredContext struct {
	Data   TransactionContext     `json:"data"`
	Errors []TransactionStepError `json:"errors,omitempty"`
}

// MarshalStoredContext encodes a checkpoint's context and errors for the durable store.
func MarshalStoredContext(cp *TransactionCheckpoint) (json.RawMessage, error) {
	return json.Marshal(StoredContext{Data: cp.Context, Errors: cp.Errors})
}

// UnmarshalStoredContext decodes a durable context column; empty input yields a zero value.
func UnmarshalStoredContext(raw json.RawMessage) (StoredContext, error) {
	var sc StoredContext
	if len(raw) == 0 {
		return sc, nil
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("unmarshal stored context: %w", err)
	}
	return sc, nil
}

// CheckpointKey identifies a checkpoint: "<namespace>:<workflowId>:<transactionId>[:<stepId>]".
type CheckpointKey struct {
	Namespace     string
	WorkflowID    string
	TransactionID string
	StepID        string
}

func (k CheckpointKey) String() string {
	s := k.Namespace + ":" + k.WorkflowID + ":" + k.TransactionID
	if k.StepID != "" {
		s += ":" + k.StepID
	}
	return s
}

// ParseCheckpointKey splits a key string into its parts.
func ParseCheckpointKey(key string) (CheckpointKey, error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return CheckpointKey{}, NewErrorf(ErrCodeInvalidArgument, "malformed checkpoint key %q", key)
	}
	k := CheckpointKey{Namespace: parts[0], WorkflowID: parts[1], TransactionID: parts[2]}
	if len(parts) == 4 {
		k.StepID = parts[3]
	}
	return k, nil
}

// NewAutoTransactionID returns a runtime-generated transaction id.
func NewAutoTransactionID() string {
	return AutoTransactionIDPrefix + uuid.NewString()
}

// IsAutoTransactionID reports whether id was generated by NewAutoTransactionID.
func IsAutoTransactionID(id string) bool {
	return strings.HasPrefix(id, AutoTransactionIDPrefix)
}
