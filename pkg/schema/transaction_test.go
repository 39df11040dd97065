package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionFlow(t *testing.T) {
	f := NewTransactionFlow("create-order", "order-1",
		&TransactionStep{ID: "reserve", Depth: 1},
		&TransactionStep{ID: "charge", Depth: 1, Definition: StepDefinition{Async: true}},
	)

	assert.Equal(t, TransactionStateNotStarted, f.State)
	assert.NotEmpty(t, f.RunID)
	assert.True(t, f.HasAsyncSteps)
	require.Len(t, f.Steps, 3)
	assert.Equal(t, RootStepID, f.Steps[0].ID)
	assert.Empty(t, f.Steps[0].Invoke.State)
	assert.Equal(t, "charge", f.Step("charge").ID)
	assert.Nil(t, f.Step("missing"))

	assert.False(t, NewTransactionFlow("m", "t").HasAsyncSteps)
	assert.NotEqual(t, f.RunID, NewTransactionFlow("create-order", "order-1").RunID)
}

func TestTransactionState_IsTerminal(t *testing.T) {
	for _, s := range TerminalTransactionStates {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []TransactionState{
		TransactionStateNotStarted, TransactionStateInvoking,
		TransactionStateWaitingToCompensate, TransactionStateCompensating,
	} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestTransactionFlow_CloneIsDeep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewTransactionFlow("create-order", "order-1", &TransactionStep{ID: "reserve", LastAttempt: &now})
	f.CancelledAt = &now
	f.Metadata = &FlowMetadata{EventGroupID: "eg-1"}

	c := f.Clone()
	c.Steps[1].Invoke.State = StepStateDone
	*c.Steps[1].LastAttempt = now.Add(time.Hour)
	*c.CancelledAt = now.Add(time.Hour)
	c.Metadata.EventGroupID = "eg-2"
	c.Steps = append(c.Steps, &TransactionStep{ID: "extra"})

	assert.Empty(t, f.Steps[1].Invoke.State)
	assert.Equal(t, now, *f.Steps[1].LastAttempt)
	assert.Equal(t, now, *f.CancelledAt)
	assert.Equal(t, "eg-1", f.Metadata.EventGroupID)
	assert.Len(t, f.Steps, 2)

	var nilFlow *TransactionFlow
	assert.Nil(t, nilFlow.Clone())
}

func TestParentStepIdempotencyKey(t *testing.T) {
	f := NewTransactionFlow("m", "t")
	assert.Empty(t, f.ParentStepIdempotencyKey())
	f.Metadata = &FlowMetadata{ParentStepIdempotencyKey: "dtrx:parent:tx:step"}
	assert.Equal(t, "dtrx:parent:tx:step", f.ParentStepIdempotencyKey())
}

func TestCheckpointKey(t *testing.T) {
	k := CheckpointKey{Namespace: "dtrx", WorkflowID: "create-order", TransactionID: "order-1"}
	assert.Equal(t, "dtrx:create-order:order-1", k.String())

	k.StepID = "charge"
	parsed, err := ParseCheckpointKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	for _, bad := range []string{"", "dtrx", "dtrx:wf", "dtrx::tx", "dtrx:wf:"} {
		_, err := ParseCheckpointKey(bad)
		assert.True(t, IsInvalidArgument(err), bad)
	}
}

func TestAutoTransactionID(t *testing.T) {
	id := NewAutoTransactionID()
	assert.True(t, IsAutoTransactionID(id))
	assert.False(t, IsAutoTransactionID("order-1"))
}

func TestStoredContext(t *testing.T) {
	cp := &TransactionCheckpoint{
		Context: TransactionContext{Invoke: map[string]any{"reserve": "ok"}},
		Errors:  []TransactionStepError{{Action: "charge", Handler: "invoke", Error: "declined"}},
	}
	raw, err := MarshalStoredContext(cp)
	require.NoError(t, err)

	sc, err := UnmarshalStoredContext(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", sc.Data.Invoke["reserve"])
	require.Len(t, sc.Errors, 1)
	assert.Equal(t, "declined", sc.Errors[0].Error)

	empty, err := UnmarshalStoredContext(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Errors)

	_, err = UnmarshalStoredContext([]byte("{"))
	assert.Error(t, err)
}

func TestRunContextFromMetadata(t *testing.T) {
	assert.Equal(t, RunContext{}, RunContextFromMetadata(nil))
	assert.Equal(t, RunContext{EventGroupID: "eg", PreventReleaseEvents: true},
		RunContextFromMetadata(&FlowMetadata{EventGroupID: "eg", PreventReleaseEvents: true}))
}
