package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepwise/pkg/schema"
)

// tsLayout is fixed-width so lexical order matches chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/stepwise.db".
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
		"PRAGMA foreign_keys=ON",
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
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) Create(ctx context.Context, exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	row, err := prepareCreate(exec)
	if err != nil {
		return nil, err
	}
	input, history, metadata, err := encodeExecution(row)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, owner_id, workflow_type, current_step, status, input_data, step_history, metadata, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.OwnerID, row.WorkflowType, nullStep(row.CurrentStep), string(row.Status),
		input, history, metadata, row.Version, fmtTime(row.CreatedAt), fmtTime(row.UpdatedAt),
	)
	if err != nil {
		return nil, storeError("insert execution", err)
	}
	return row, nil
}

func (s *LibSQLStore) Get(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	return getExecution(ctx, s.db, id)
}

func (s *LibSQLStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*schema.WorkflowExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion, current.Version)
	}
	next, err := applyMutator(current, mutate)
	if err != nil {
		return nil, err
	}
	_, history, metadata, err := encodeExecution(next)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_executions
		 SET current_step = ?, status = ?, step_history = ?, metadata = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		nullStep(next.CurrentStep), string(next.Status), history, metadata,
		next.Version, fmtTime(next.UpdatedAt), id, expectedVersion,
	)
	if err != nil {
		return nil, storeError("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeError("update execution", err)
	}
	if n == 0 {
		return nil, versionConflict(id, expectedVersion, -1)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit update", err)
	}
	return next, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	query := `SELECT id, owner_id, workflow_type, current_step, status, input_data, step_history, metadata, version, created_at, updated_at
		FROM workflow_executions WHERE 1=1`
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if len(filter.WorkflowTypes) > 0 {
		query += " AND workflow_type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(filter.WorkflowTypes)), ",") + ")"
		for _, t := range filter.WorkflowTypes {
			args = append(args, t)
		}
	}
	if filter.UpdatedBefore != nil {
		query += " AND updated_at < ?"
		args = append(args, fmtTime(*filter.UpdatedBefore))
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
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

// --- Step outputs ---

func (s *LibSQLStore) AppendStepOutput(ctx context.Context, out *schema.StepOutput) error {
	row, err := prepareOutput(out)
	if err != nil {
		return err
	}
	data, err := marshalMapOrDefault(row.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_step_outputs (id, execution_id, step_name, output_data, source, processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ExecutionID, row.StepName, string(data), string(row.Source), row.ProcessingTimeMs, fmtTime(row.CreatedAt),
	)
	if err != nil {
		return storeError("insert step output", err)
	}
	out.ID = row.ID
	out.CreatedAt = row.CreatedAt
	return nil
}

func (s *LibSQLStore) ListStepOutputs(ctx context.Context, executionID string) ([]*schema.StepOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_name, output_data, source, processing_time_ms, created_at
		 FROM workflow_step_outputs WHERE execution_id = ? ORDER BY created_at ASC, rowid ASC`, executionID,
	)
	if err != nil {
		return nil, storeError("list step outputs", err)
	}
	defer rows.Close()

	var out []*schema.StepOutput
	for rows.Next() {
		var (
			o            schema.StepOutput
			data, source string
			createdAt    string
		)
		if err := rows.Scan(&o.ID, &o.ExecutionID, &o.StepName, &data, &source, &o.ProcessingTimeMs, &createdAt); err != nil {
			return nil, storeError("scan step output", err)
		}
		o.Source = schema.OutputSource(source)
		if o.OutputData, err = unmarshalMap([]byte(data)); err != nil {
			return nil, storeError("decode output_data", err)
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storeError("decode created_at", err)
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list step outputs", err)
	}
	return out, nil
}

// --- Helpers ---

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getExecution(ctx context.Context, q queryer, id string) (*schema.WorkflowExecution, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, owner_id, workflow_type, current_step, status, input_data, step_history, metadata, version, created_at, updated_at
		 FROM workflow_executions WHERE id = ?`, id,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func scanExecution(r rowScanner) (*schema.WorkflowExecution, error) {
	var (
		exec                     schema.WorkflowExecution
		currentStep              sql.NullString
		status                   string
		input, history, metadata string
		createdAt, updatedAt     string
	)
	err := r.Scan(&exec.ID, &exec.OwnerID, &exec.WorkflowType, &currentStep, &status,
		&input, &history, &metadata, &exec.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("scan execution", err)
	}
	if currentStep.Valid {
		step := currentStep.String
		exec.CurrentStep = &step
	}
	exec.Status = schema.WorkflowStatus(status)
	if exec.InputData, err = unmarshalMap([]byte(input)); err != nil {
		return nil, storeError("decode input_data", err)
	}
	if exec.StepHistory, err = unmarshalHistory([]byte(history)); err != nil {
		return nil, storeError("decode step_history", err)
	}
	if exec.Metadata, err = unmarshalMap([]byte(metadata)); err != nil {
		return nil, storeError("decode metadata", err)
	}
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, storeError("decode created_at", err)
	}
	if exec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, storeError("decode updated_at", err)
	}
	return &exec, nil
}

func encodeExecution(exec *schema.WorkflowExecution) (input, history, metadata string, err error) {
	in, err := marshalMapOrDefault(exec.InputData)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal input_data: %w", err)
	}
	h, err := marshalHistory(exec.StepHistory)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal step_history: %w", err)
	}
	md, err := marshalMapOrDefault(exec.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(in), string(h), string(md), nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}
