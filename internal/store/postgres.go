package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/sagastore/pkg/schema"
)

// PostgresStore implements ExecutionStore on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database described by dsn and verifies
// the connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range postgresMigrations {
		if m.Version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (s *PostgresStore) List(ctx context.Context, filter ExecutionFilter, opts ListOptions) ([]*WorkflowExecution, error) {
	where, args := buildWhere(filter, pgPlaceholder)
	query := `SELECT id, workflow_id, transaction_id, run_id, execution::text, context::text, state, retention_time, created_at, updated_at
		FROM workflow_executions` + where + listSuffix(opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*WorkflowExecution
	for rows.Next() {
		e := &WorkflowExecution{}
		var (
			execJSON, ctxJSON *string
			state             string
			retention         *int64
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.TransactionID, &e.RunID, &execJSON, &ctxJSON,
			&state, &retention, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, storeError("scan execution", err)
		}
		e.State = schema.TransactionState(state)
		e.RetentionTime = durationFromSeconds(retention)
		if err := unmarshalExecution(e, deref(execJSON), deref(ctxJSON)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list executions", err)
	}
	return out, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, executions []*WorkflowExecution) error {
	if len(executions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range executions {
		execJSON, ctxJSON, err := marshalExecution(e)
		if err != nil {
			return err
		}
		updatedAt := timeOrNow(e.UpdatedAt)
		batch.Queue(
			`INSERT INTO workflow_executions (workflow_id, transaction_id, run_id, execution, context, state, retention_time, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10)
			 ON CONFLICT (workflow_id, transaction_id, run_id) DO UPDATE SET
			   execution = EXCLUDED.execution, context = EXCLUDED.context, state = EXCLUDED.state,
			   retention_time = EXCLUDED.retention_time, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
			e.WorkflowID, e.TransactionID, e.RunID, execJSON, ctxJSON, string(e.State),
			retentionSeconds(e.RetentionTime), expiresAtMillis(e, updatedAt), timeOrNow(e.CreatedAt), updatedAt,
		)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return storeError("upsert executions", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, filter ExecutionFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, emptyFilterError()
	}
	where, args := buildWhere(filter, pgPlaceholder)
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_executions`+where, args...)
	if err != nil {
		return 0, storeError("delete executions", err)
	}
	return tag.RowsAffected(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
