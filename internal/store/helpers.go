package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/sagastore/pkg/schema"
)

// buildWhere renders filter as a WHERE clause. placeholder returns the bind
// marker for the n-th (1-based) argument.
func buildWhere(filter ExecutionFilter, placeholder func(n int) string) (string, []any) {
	var where []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = "+next(filter.WorkflowID))
	}
	if filter.TransactionID != "" {
		where = append(where, "transaction_id = "+next(filter.TransactionID))
	}
	if filter.RunID != "" {
		where = append(where, "run_id = "+next(filter.RunID))
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = next(string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ExpiredAt != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= "+next(filter.ExpiredAt.UnixMilli()))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func listSuffix(opts ListOptions) string {
	s := " ORDER BY id"
	if opts.OrderDesc {
		s += " DESC"
	}
	if opts.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return s
}

func emptyFilterError() *schema.Error {
	return schema.NewError(schema.ErrCodeInvalidArgument, "refusing to delete executions with an empty filter")
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// wholeSeconds rounds a retention time up to the whole seconds the
// retention_time column can hold.
func wholeSeconds(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	r := d.Truncate(time.Second)
	if r < *d {
		r += time.Second
	}
	return &r
}

func retentionSeconds(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return int64(*wholeSeconds(d) / time.Second)
}

func expiresAtMillis(e *WorkflowExecution, updatedAt time.Time) any {
	if e.RetentionTime == nil {
		return nil
	}
	return updatedAt.Add(*wholeSeconds(e.RetentionTime)).UnixMilli()
}

func durationFromSeconds(secs *int64) *time.Duration {
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}

func marshalExecution(e *WorkflowExecution) (string, string, error) {
	execJSON, err := json.Marshal(e.Execution)
	if err != nil {
		return "", "", fmt.Errorf("marshal execution: %w", err)
	}
	ctxJSON := "{}"
	if len(e.Context) > 0 {
		ctxJSON = string(e.Context)
	}
	return string(execJSON), ctxJSON, nil
}

func unmarshalExecution(e *WorkflowExecution, execJSON, ctxJSON string) error {
	if execJSON != "" {
		e.Execution = &schema.TransactionFlow{}
		if err := json.Unmarshal([]byte(execJSON), e.Execution); err != nil {
			return fmt.Errorf("unmarshal execution: %w", err)
		}
	}
	if ctxJSON != "" {
		e.Context = json.RawMessage(ctxJSON)
	}
	return nil
}
