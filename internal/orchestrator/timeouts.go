package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/sagastore/internal/logging"
	"github.com/rendis/sagastore/internal/metrics"
	"github.com/rendis/sagastore/internal/timers"
	"github.com/rendis/sagastore/pkg/schema"
)

type timerTable int

const (
	tableRetries timerTable = iota
	tableTimeouts
	tableStepTimeouts
)

func (t timerTable) kind() string {
	switch t {
	case tableRetries:
		return metrics.TimerRetry
	case tableTimeouts:
		return metrics.TimerTransactionTimeout
	default:
		return metrics.TimerStepTimeout
	}
}

func timerKey(workflowID, transactionID, stepID string) string {
	k := workflowID + ":" + transactionID
	if stepID != "" {
		k += ":" + stepID
	}
	return k
}

// ScheduleRetry re-runs the transaction after interval to retry stepID.
func (s *Storage) ScheduleRetry(ctx context.Context, flow *schema.TransactionFlow, stepID string, interval time.Duration) error {
	return s.scheduleTimer(ctx, tableRetries, flow, stepID, interval)
}

// ClearRetry cancels a pending retry of stepID.
func (s *Storage) ClearRetry(_ context.Context, flow *schema.TransactionFlow, stepID string) error {
	s.clearFlowTimer(tableRetries, flow, stepID)
	return nil
}

// ScheduleTransactionTimeout re-runs the transaction after interval so the
// runner can time it out.
func (s *Storage) ScheduleTransactionTimeout(ctx context.Context, flow *schema.TransactionFlow, interval time.Duration) error {
	return s.scheduleTimer(ctx, tableTimeouts, flow, "", interval)
}

// ClearTransactionTimeout cancels a pending transaction timeout.
func (s *Storage) ClearTransactionTimeout(_ context.Context, flow *schema.TransactionFlow) error {
	s.clearFlowTimer(tableTimeouts, flow, "")
	return nil
}

// ScheduleStepTimeout re-runs the transaction after interval so the runner
// can time out stepID.
func (s *Storage) ScheduleStepTimeout(ctx context.Context, flow *schema.TransactionFlow, stepID string, interval time.Duration) error {
	return s.scheduleTimer(ctx, tableStepTimeouts, flow, stepID, interval)
}

// ClearStepTimeout cancels a pending timeout of stepID.
func (s *Storage) ClearStepTimeout(_ context.Context, flow *schema.TransactionFlow, stepID string) error {
	s.clearFlowTimer(tableStepTimeouts, flow, stepID)
	return nil
}

func (s *Storage) table(t timerTable) map[string]*timers.Handle {
	switch t {
	case tableRetries:
		return s.retries
	case tableTimeouts:
		return s.timeouts
	default:
		return s.stepTimeouts
	}
}

func (s *Storage) scheduleTimer(ctx context.Context, t timerTable, flow *schema.TransactionFlow, stepID string, interval time.Duration) error {
	if flow == nil || flow.ModelID == "" || flow.TransactionID == "" {
		return schema.NewError(schema.ErrCodeInvalidArgument, "workflow id and transaction id are required")
	}
	if interval < 0 {
		interval = 0
	}
	key := timerKey(flow.ModelID, flow.TransactionID, stepID)
	workflowID, transactionID := flow.ModelID, flow.TransactionID
	runCtx := schema.RunContextFromMetadata(flow.Metadata)

	s.clearTimer(t, key)

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if prev, ok := s.table(t)[key]; ok {
		prev.Stop()
	}
	var h *timers.Handle
	h = s.pool.AfterFunc(interval, func() {
		s.timersMu.Lock()
		if s.table(t)[key] == h {
			delete(s.table(t), key)
		}
		s.timersMu.Unlock()
		s.fire(t, workflowID, transactionID, stepID, runCtx)
	})
	s.table(t)[key] = h

	logging.LogWith(logging.WithIDs(ctx, workflowID, transactionID, stepID), s.logger).
		Debug("timer scheduled", slog.String("kind", t.kind()), slog.Duration("interval", interval))
	return nil
}

// clearFlowTimer is a no-op for a nil flow.
func (s *Storage) clearFlowTimer(t timerTable, flow *schema.TransactionFlow, stepID string) {
	if flow == nil {
		return
	}
	s.clearTimer(t, timerKey(flow.ModelID, flow.TransactionID, stepID))
}

func (s *Storage) clearTimer(t timerTable, key string) {
	s.timersMu.Lock()
	h, ok := s.table(t)[key]
	delete(s.table(t), key)
	s.timersMu.Unlock()
	if ok {
		h.Stop()
	}
}

func (s *Storage) fire(t timerTable, workflowID, transactionID, stepID string, runCtx schema.RunContext) {
	s.metrics.TimerFired(t.kind())
	ctx := logging.WithIDs(s.baseCtx, workflowID, transactionID, stepID)
	err := s.run(ctx, workflowID, schema.RunOptions{
		TransactionID: transactionID,
		LogOnError:    true,
		ThrowOnError:  false,
		Context:       runCtx,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Error("timer run failed",
			slog.String("kind", t.kind()),
			slog.String("error", err.Error()),
		)
	}
}
