package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/sagastore/pkg/schema"
)

// LibSQLStore implements ExecutionStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, libsqlMigrations)
}

const executionColumns = `id, workflow_id, transaction_id, run_id, execution, context, state, retention_time, created_at, updated_at`

func (s *LibSQLStore) List(ctx context.Context, filter ExecutionFilter, opts ListOptions) ([]*WorkflowExecution, error) {
	where, args := buildWhere(filter, func(int) string { return "?" })
	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + where + listSuffix(opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*WorkflowExecution
	for rows.Next() {
		e := &WorkflowExecution{}
		var (
			execJSON, ctxJSON sql.NullString
			state             string
			retention         sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.TransactionID, &e.RunID, &execJSON, &ctxJSON,
			&state, &retention, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, storeError("scan execution", err)
		}
		e.State = schema.TransactionState(state)
		if retention.Valid {
			e.RetentionTime = durationFromSeconds(&retention.Int64)
		}
		if err := unmarshalExecution(e, execJSON.String, ctxJSON.String); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Upsert(ctx context.Context, executions []*WorkflowExecution) error {
	if len(executions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin upsert", err)
	}
	for _, e := range executions {
		execJSON, ctxJSON, err := marshalExecution(e)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		updatedAt := timeOrNow(e.UpdatedAt)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_executions (workflow_id, transaction_id, run_id, execution, context, state, retention_time, expires_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(workflow_id, transaction_id, run_id) DO UPDATE SET
			   execution=excluded.execution, context=excluded.context, state=excluded.state,
			   retention_time=excluded.retention_time, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
			e.WorkflowID, e.TransactionID, e.RunID, execJSON, ctxJSON, string(e.State),
			retentionSeconds(e.RetentionTime), expiresAtMillis(e, updatedAt), timeOrNow(e.CreatedAt), updatedAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return storeError("upsert execution", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit upsert", err)
	}
	return nil
}

func (s *LibSQLStore) Delete(ctx context.Context, filter ExecutionFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, emptyFilterError()
	}
	where, args := buildWhere(filter, func(int) string { return "?" })
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_executions`+where, args...)
	if err != nil {
		return 0, storeError("delete executions", err)
	}
	return res.RowsAffected()
}

// splitStatements splits a SQL script on semicolons, skipping comment-only chunks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
