package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/persistence"
)

// RunRepository persists runs in the runs table.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

func (r *RunRepository) Save(ctx context.Context, run *models.Run) error {
	participants, err := json.Marshal(run.Participants)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	query := `
		INSERT INTO runs (id, flow_name, flow_version, identity, participants, inputs, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			participants = EXCLUDED.participants,
			inputs = EXCLUDED.inputs,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.FlowName, run.FlowVersion, run.Identity,
		participants, inputs, string(run.Status), run.Error,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT id, flow_name, flow_version, identity, participants, inputs, status, error, created_at, updated_at
		FROM runs WHERE id = $1
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return run, nil
}

func (r *RunRepository) GetAll(ctx context.Context) ([]*models.Run, error) {
	query := `
		SELECT id, flow_name, flow_version, identity, participants, inputs, status, error, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (r *RunRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM runs WHERE id = $1", id)
	if err != nil {
		return persistence.NewRunError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewRunError("Delete", id, persistence.ErrRunNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run          models.Run
		participants []byte
		inputs       []byte
		status       string
	)

	err := row.Scan(&run.ID, &run.FlowName, &run.FlowVersion, &run.Identity,
		&participants, &inputs, &status, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(participants, &run.Participants); err != nil {
		return nil, fmt.Errorf("malformed participants column: %w", err)
	}

	if err := json.Unmarshal(inputs, &run.Inputs); err != nil {
		return nil, fmt.Errorf("malformed inputs column: %w", err)
	}

	run.Status = models.RunStatus(status)

	return &run, nil
}
