package orchestrator

import (
	"context"
	"log/slog"

	"github.com/rendis/sagastore/internal/logging"
	"github.com/rendis/sagastore/internal/metrics"
	"github.com/rendis/sagastore/internal/store"
	"github.com/rendis/sagastore/pkg/schema"
)

// saveToStore upserts the checkpoint when a hand-off boundary makes it worth
// a durable write.
func (s *Storage) saveToStore(ctx context.Context, k schema.CheckpointKey, cp *schema.TransactionCheckpoint) error {
	if !shouldPersist(cp.Flow) {
		s.metrics.DurableWrite(metrics.OpSkipped)
		return nil
	}
	raw, err := schema.MarshalStoredContext(cp)
	if err != nil {
		return err
	}
	exec := &store.WorkflowExecution{
		WorkflowID:    k.WorkflowID,
		TransactionID: k.TransactionID,
		RunID:         cp.Flow.RunID,
		Execution:     cp.Flow.Clone(),
		Context:       raw,
		State:         cp.Flow.State,
		RetentionTime: cp.RetentionTime,
		UpdatedAt:     s.pool.Now().UTC(),
	}
	if err := s.store.Upsert(ctx, []*store.WorkflowExecution{exec}); err != nil {
		return err
	}
	s.metrics.DurableWrite(metrics.OpUpsert)
	logging.LogWith(logging.WithIDs(ctx, k.WorkflowID, k.TransactionID, ""), s.logger).
		Debug("checkpoint persisted", slog.String("state", string(cp.Flow.State)))
	return nil
}

func (s *Storage) deleteFromStore(ctx context.Context, k schema.CheckpointKey, flow *schema.TransactionFlow) error {
	_, err := s.store.Delete(ctx, store.ExecutionFilter{
		WorkflowID:    k.WorkflowID,
		TransactionID: k.TransactionID,
		RunID:         flow.RunID,
	})
	if err != nil {
		return err
	}
	s.metrics.DurableWrite(metrics.OpDelete)
	return nil
}

// shouldPersist reports whether a save must reach the durable store.
// Synchronous transitions between hand-offs stay in memory only.
func shouldPersist(flow *schema.TransactionFlow) bool {
	switch flow.State {
	case schema.TransactionStateNotStarted, schema.TransactionStateWaitingToCompensate:
		return true
	}
	if flow.State.IsTerminal() {
		return true
	}

	cur := currentStep(flow)
	if cur == nil {
		return false
	}
	for _, st := range flow.Steps {
		if st.ID != schema.RootStepID && st.Definition.Async && st.Depth == cur.Depth {
			return true
		}
	}
	return false
}

// currentStep returns the step the flow is working on, scanning from the end.
func currentStep(flow *schema.TransactionFlow) *schema.TransactionStep {
	invoking := flow.State == schema.TransactionStateInvoking
	for i := len(flow.Steps) - 1; i >= 0; i-- {
		st := flow.Steps[i]
		if st.ID == schema.RootStepID {
			break
		}
		if invoking {
			switch st.Invoke.State {
			case schema.StepStateInvoking, schema.StepStateDone, schema.StepStateFailed:
				return st
			}
		} else if st.Compensate.State == schema.StepStateCompensating {
			return st
		}
	}
	return nil
}
