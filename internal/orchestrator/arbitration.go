package orchestrator

import (
	"context"
	"fmt"

	"github.com/rendis/sagastore/pkg/schema"
)

// preventRaceCondition aborts a save whose flow is behind the freshest known
// state of the same transaction.
func (s *Storage) preventRaceCondition(ctx context.Context, key string, current *schema.TransactionFlow, opts SaveOptions) error {
	if current.State == schema.TransactionStateNotStarted {
		return nil
	}

	var latest *schema.TransactionFlow
	if entry, ok := s.cached(key); ok {
		latest = entry.flow
	} else {
		cp, err := s.Get(ctx, key, GetOptions{
			Idempotent:   opts.Idempotent,
			IsCancelling: current.CancelledAt != nil,
		})
		if err != nil {
			return err
		}
		if cp != nil {
			latest = cp.Flow
		}
	}
	return arbitrate(current, latest)
}

// arbitrate decides whether current has been superseded by latest and
// returns the matching skip error, or nil when current may be saved.
func arbitrate(current, latest *schema.TransactionFlow) error {
	if current.State == schema.TransactionStateNotStarted {
		return nil
	}
	if latest == nil {
		return schema.NewSkipExecutionError(fmt.Sprintf(
			"transaction %s already finished by another execution", current.TransactionID))
	}

	curStep := latestExecutedStep(current)
	latStep := latestExecutedStep(latest)
	if curStep != nil && latStep != nil && curStep.ID == latStep.ID {
		if curStep.LastAttempt.Before(*latStep.LastAttempt) {
			return schema.NewSkipStepAlreadyFinishedError(fmt.Sprintf(
				"step %s already finished by another execution", curStep.ID)).WithStep(curStep.ID)
		}
	}

	if latest.CancelledAt != nil && current.CancelledAt == nil {
		return schema.NewSkipCancelledExecutionError(fmt.Sprintf(
			"transaction %s was cancelled by another execution", current.TransactionID))
	}

	curInvoke := invokingIndex(current)
	latInvoke := 1
	curComp := compensatingIndex(current)
	latComp := -1
	if len(latest.Steps) > 0 {
		latInvoke = invokingIndex(latest)
		latComp = compensatingIndex(latest)
	}

	invokeSkip := (latInvoke == -1 || curInvoke < latInvoke) && curInvoke != -1
	compSkip := curComp < latComp && curComp != -1 && latComp != -1

	compensatingMismatch := latest.State == schema.TransactionStateCompensating &&
		current.State != schema.TransactionStateReverted &&
		current.State != schema.TransactionStateFailed &&
		current.State != schema.TransactionStateCompensating
	revertedMismatch := latest.State == schema.TransactionStateReverted &&
		current.State != schema.TransactionStateReverted
	failedMismatch := latest.State == schema.TransactionStateFailed &&
		current.State != schema.TransactionStateFailed

	compensating := current.State == schema.TransactionStateCompensating
	if (!compensating && invokeSkip) || (compensating && compSkip) ||
		compensatingMismatch || revertedMismatch || failedMismatch {
		return schema.NewSkipExecutionError(fmt.Sprintf(
			"transaction %s is behind another execution", current.TransactionID))
	}
	return nil
}

// latestExecutedStep returns the last step with a recorded attempt.
func latestExecutedStep(flow *schema.TransactionFlow) *schema.TransactionStep {
	for i := len(flow.Steps) - 1; i >= 0; i-- {
		if flow.Steps[i].LastAttempt != nil {
			return flow.Steps[i]
		}
	}
	return nil
}

// invokingIndex is the position of the first step still to invoke, or -1.
func invokingIndex(flow *schema.TransactionFlow) int {
	for i, st := range flow.Steps {
		if st.ID == schema.RootStepID {
			continue
		}
		if st.Invoke.State == schema.StepStateInvoking || st.Invoke.State == schema.StepStateNotStarted {
			return i
		}
	}
	return -1
}

// compensatingIndex is the distance from the end of the last step still to
// compensate, or -1.
func compensatingIndex(flow *schema.TransactionFlow) int {
	for i := len(flow.Steps) - 1; i >= 0; i-- {
		st := flow.Steps[i]
		if st.ID == schema.RootStepID {
			continue
		}
		if st.Compensate.State == schema.StepStateCompensating || st.Compensate.State == schema.StepStateNotStarted {
			return len(flow.Steps) - 1 - i
		}
	}
	return -1
}
