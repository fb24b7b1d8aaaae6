package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/persistence"
)

// StepStateRepository persists per-step execution state in the step_states
// table, keyed by (run_id, step_id).
type StepStateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStepStateRepository(db *sql.DB, logger *slog.Logger) *StepStateRepository {
	return &StepStateRepository{db: db, logger: logger}
}

func (r *StepStateRepository) Save(ctx context.Context, state *models.StepState) error {
	outputs, err := json.Marshal(state.Outputs)
	if err != nil {
		return &persistence.StepStateError{Op: "Save", RunID: state.RunID, StepID: state.StepID, Err: err}
	}

	participantsDone, err := json.Marshal(state.ParticipantsDone)
	if err != nil {
		return &persistence.StepStateError{Op: "Save", RunID: state.RunID, StepID: state.StepID, Err: err}
	}

	query := `
		INSERT INTO step_states (run_id, step_id, status, attempt_count, outputs, participants_done, error, error_kind, next_retry_at, waiting_since, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			outputs = EXCLUDED.outputs,
			participants_done = EXCLUDED.participants_done,
			error = EXCLUDED.error,
			error_kind = EXCLUDED.error_kind,
			next_retry_at = EXCLUDED.next_retry_at,
			waiting_since = EXCLUDED.waiting_since,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		state.RunID, state.StepID, string(state.Status), state.AttemptCount,
		outputs, participantsDone, state.Error, state.ErrorKind,
		nullableTime(state.NextRetryAt), nullableTime(state.WaitingSince),
		state.UpdatedAt,
	)
	if err != nil {
		return &persistence.StepStateError{Op: "Save", RunID: state.RunID, StepID: state.StepID, Err: err}
	}

	return nil
}

func (r *StepStateRepository) GetByRun(ctx context.Context, runID string) ([]*models.StepState, error) {
	query := `
		SELECT run_id, step_id, status, attempt_count, outputs, participants_done, error, error_kind, next_retry_at, waiting_since, updated_at
		FROM step_states WHERE run_id = $1 ORDER BY step_id
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step states: %w", err)
	}
	defer rows.Close()

	var states []*models.StepState

	for rows.Next() {
		var (
			state            models.StepState
			status           string
			outputs          []byte
			participantsDone []byte
			nextRetryAt      sql.NullTime
			waitingSince     sql.NullTime
		)

		err := rows.Scan(&state.RunID, &state.StepID, &status, &state.AttemptCount,
			&outputs, &participantsDone, &state.Error, &state.ErrorKind,
			&nextRetryAt, &waitingSince, &state.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step state: %w", err)
		}

		if err := json.Unmarshal(outputs, &state.Outputs); err != nil {
			return nil, fmt.Errorf("malformed outputs column: %w", err)
		}

		if err := json.Unmarshal(participantsDone, &state.ParticipantsDone); err != nil {
			return nil, fmt.Errorf("malformed participants_done column: %w", err)
		}

		state.Status = models.StepStatus(status)

		if nextRetryAt.Valid {
			state.NextRetryAt = nextRetryAt.Time
		}

		if waitingSince.Valid {
			state.WaitingSince = waitingSince.Time
		}

		states = append(states, &state)
	}

	return states, rows.Err()
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
