package orchestrator

import (
	"context"
	"log/slog"

	"github.com/rendis/sagastore/internal/store"
	"github.com/rendis/sagastore/pkg/schema"
)

// ClearExpiredExecutions deletes finished executions whose retention time has
// elapsed and returns how many were removed.
func (s *Storage) ClearExpiredExecutions(ctx context.Context) (int64, error) {
	now := s.pool.Now()
	n, err := s.store.Delete(ctx, store.ExecutionFilter{
		States:    schema.TerminalTransactionStates,
		ExpiredAt: &now,
	})
	if err != nil {
		return 0, err
	}
	s.metrics.Reaped(n)
	return n, nil
}

// OnApplicationStart arms the periodic reaper. Calling it again is a no-op,
// calling it after OnApplicationShutdown returns ErrStorageStopped.
func (s *Storage) OnApplicationStart(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.stopped {
		return ErrStorageStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.armReaperLocked()
	s.logger.InfoContext(ctx, "transaction storage started", slog.Duration("reaper_interval", s.reaperInterval))
	return nil
}

func (s *Storage) armReaperLocked() {
	s.reaper = s.pool.AfterFunc(s.reaperInterval, s.sweep)
}

func (s *Storage) sweep() {
	n, err := s.ClearExpiredExecutions(s.baseCtx)
	if err != nil {
		s.logger.Warn("expired execution sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Debug("expired executions removed", slog.Int64("count", n))
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		s.armReaperLocked()
	}
}

// OnApplicationShutdown stops the reaper and cancels every pending retry,
// timeout and scheduled job.
func (s *Storage) OnApplicationShutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	s.started = false
	s.stopped = true
	s.reaper.Stop()
	s.reaper = nil
	s.lifecycleMu.Unlock()

	if err := s.sched.RemoveAll(ctx); err != nil {
		return err
	}

	s.timersMu.Lock()
	for _, t := range []timerTable{tableRetries, tableTimeouts, tableStepTimeouts} {
		for key, h := range s.table(t) {
			h.Stop()
			delete(s.table(t), key)
		}
	}
	s.timersMu.Unlock()

	stopped := s.pool.StopAll()
	s.cancel()
	s.logger.InfoContext(ctx, "transaction storage stopped", slog.Int("stray_timers", stopped))
	return nil
}
