package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/stepwise/pkg/schema"
)

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and returns a Store. The pool is owned by
// the store and released by Close.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations inside one transaction per version.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
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

const pgExecutionColumns = `id, owner_id, workflow_type, current_step, status, input_data, step_history, metadata, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	row, err := prepareCreate(exec)
	if err != nil {
		return nil, err
	}
	input, history, metadata, err := encodeExecution(row)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_executions (`+pgExecutionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10, $11)`,
		row.ID, row.OwnerID, row.WorkflowType, nullStep(row.CurrentStep), string(row.Status),
		input, history, metadata, row.Version, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return nil, storeError("insert execution", err)
	}
	return row, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	exec, err := scanPgExecution(s.pool.QueryRow(ctx,
		`SELECT `+pgExecutionColumns+` FROM workflow_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*schema.WorkflowExecution, error) {
	var next *schema.WorkflowExecution
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanPgExecution(tx.QueryRow(ctx,
			`SELECT `+pgExecutionColumns+` FROM workflow_executions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return storeNotFound("execution", id)
		}
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return versionConflict(id, expectedVersion, current.Version)
		}
		next, err = applyMutator(current, mutate)
		if err != nil {
			return err
		}
		_, history, metadata, err := encodeExecution(next)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE workflow_executions
			 SET current_step = $1, status = $2, step_history = $3::jsonb, metadata = $4::jsonb, version = $5, updated_at = $6
			 WHERE id = $7 AND version = $8`,
			nullStep(next.CurrentStep), string(next.Status), history, metadata,
			next.Version, next.UpdatedAt, id, expectedVersion,
		)
		if err != nil {
			return storeError("update execution", err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict(id, expectedVersion, -1)
		}
		return nil
	})
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		return nil, storeError("update execution", err)
	}
	return next, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Status != nil {
		where = append(where, "status = "+arg(string(*filter.Status)))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = "+arg(filter.OwnerID))
	}
	if len(filter.WorkflowTypes) > 0 {
		where = append(where, "workflow_type = ANY("+arg(filter.WorkflowTypes)+")")
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < "+arg(*filter.UpdatedBefore))
	}

	query := `SELECT ` + pgExecutionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowExecution
	for rows.Next() {
		exec, err := scanPgExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list executions", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendStepOutput(ctx context.Context, out *schema.StepOutput) error {
	row, err := prepareOutput(out)
	if err != nil {
		return err
	}
	data, err := marshalMapOrDefault(row.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_step_outputs (id, execution_id, step_name, output_data, source, processing_time_ms, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		row.ID, row.ExecutionID, row.StepName, string(data), string(row.Source), row.ProcessingTimeMs, row.CreatedAt,
	)
	if err != nil {
		return storeError("insert step output", err)
	}
	out.ID = row.ID
	out.CreatedAt = row.CreatedAt
	return nil
}

func (s *PostgresStore) ListStepOutputs(ctx context.Context, executionID string) ([]*schema.StepOutput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, step_name, output_data, source, processing_time_ms, created_at
		 FROM workflow_step_outputs WHERE execution_id = $1 ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, storeError("list step outputs", err)
	}
	defer rows.Close()

	var out []*schema.StepOutput
	for rows.Next() {
		var (
			o      schema.StepOutput
			data   []byte
			source string
		)
		if err := rows.Scan(&o.ID, &o.ExecutionID, &o.StepName, &data, &source, &o.ProcessingTimeMs, &o.CreatedAt); err != nil {
			return nil, storeError("scan step output", err)
		}
		o.Source = schema.OutputSource(source)
		if o.OutputData, err = unmarshalMap(data); err != nil {
			return nil, storeError("decode output_data", err)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list step outputs", err)
	}
	return out, nil
}

func scanPgExecution(r pgx.Row) (*schema.WorkflowExecution, error) {
	var (
		exec                     schema.WorkflowExecution
		currentStep              *string
		status                   string
		input, history, metadata []byte
	)
	err := r.Scan(&exec.ID, &exec.OwnerID, &exec.WorkflowType, &currentStep, &status,
		&input, &history, &metadata, &exec.Version, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("scan execution", err)
	}
	exec.CurrentStep = currentStep
	exec.Status = schema.WorkflowStatus(status)
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	if exec.InputData, err = unmarshalMap(input); err != nil {
		return nil, storeError("decode input_data", err)
	}
	if exec.StepHistory, err = unmarshalHistory(history); err != nil {
		return nil, storeError("decode step_history", err)
	}
	if exec.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, storeError("decode metadata", err)
	}
	return &exec, nil
}
