package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/geolink/internal/workflow"
)

const checkpointColumns = `run_id, workflow, input, step_cursor, outputs, status, error, created_at, updated_at`

// CheckpointStore implements workflow.CheckpointStore on the workflow_runs table.
type CheckpointStore struct {
	db DB
}

// NewCheckpointStore wraps an existing pool.
func NewCheckpointStore(db DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{db: db}, nil
}

// Create inserts a new run. An existing run id yields workflow.ErrRunExists.
func (s *CheckpointStore) Create(ctx context.Context, cp workflow.Checkpoint) error {
	outputs, err := encodeOutputs(cp.Outputs)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO workflow_runs (` + checkpointColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id) DO NOTHING`
	tag, err := s.db.Exec(ctx, query,
		cp.RunID,
		cp.Workflow,
		[]byte(cp.Input),
		cp.Cursor,
		outputs,
		string(cp.Status),
		cp.Error,
		cp.CreatedAt,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", cp.RunID, workflow.ErrRunExists)
	}
	return nil
}

// Save overwrites the mutable columns of an existing run.
func (s *CheckpointStore) Save(ctx context.Context, cp workflow.Checkpoint) error {
	outputs, err := encodeOutputs(cp.Outputs)
	if err != nil {
		return err
	}
	const query = `
UPDATE workflow_runs
SET step_cursor = $1, outputs = $2, status = $3, error = $4, updated_at = $5
WHERE run_id = $6`
	tag, err := s.db.Exec(ctx, query, cp.Cursor, outputs, string(cp.Status), cp.Error, cp.UpdatedAt, cp.RunID)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", cp.RunID, workflow.ErrRunNotFound)
	}
	return nil
}

// Load returns workflow.ErrRunNotFound for unknown ids.
func (s *CheckpointStore) Load(ctx context.Context, runID string) (workflow.Checkpoint, error) {
	const query = `SELECT ` + checkpointColumns + ` FROM workflow_runs WHERE run_id = $1`
	cp, err := scanCheckpoint(s.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.Checkpoint{}, fmt.Errorf("run %s: %w", runID, workflow.ErrRunNotFound)
		}
		return workflow.Checkpoint{}, fmt.Errorf("load workflow run: %w", err)
	}
	return cp, nil
}

// ListIncomplete returns running checkpoints, oldest first.
func (s *CheckpointStore) ListIncomplete(ctx context.Context) ([]workflow.Checkpoint, error) {
	const query = `SELECT ` + checkpointColumns + ` FROM workflow_runs WHERE status = $1 ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, string(workflow.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []workflow.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow runs: %w", err)
	}
	return out, nil
}

func scanCheckpoint(row pgx.Row) (workflow.Checkpoint, error) {
	var (
		cp      workflow.Checkpoint
		input   []byte
		outputs []byte
		status  string
	)
	if err := row.Scan(
		&cp.RunID,
		&cp.Workflow,
		&input,
		&cp.Cursor,
		&outputs,
		&status,
		&cp.Error,
		&cp.CreatedAt,
		&cp.UpdatedAt,
	); err != nil {
		return workflow.Checkpoint{}, err
	}
	cp.Input = json.RawMessage(input)
	cp.Status = workflow.Status(status)
	cp.Outputs = map[string]json.RawMessage{}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &cp.Outputs); err != nil {
			return workflow.Checkpoint{}, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return cp, nil
}

func encodeOutputs(outputs map[string]json.RawMessage) ([]byte, error) {
	if outputs == nil {
		outputs = map[string]json.RawMessage{}
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	return b, nil
}
