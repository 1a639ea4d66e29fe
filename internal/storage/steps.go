package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mpataki/shopfloor/internal/models"
)

const stepColumns = `instance_id, step_index, kind, input_hash, input, output, status, error, attempts, started_at, completed_at`

func scanStep(row scanner) (*models.Step, error) {
	var st models.Step
	var input, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&st.InstanceID, &st.Index, &st.Kind, &st.InputHash, &input, &output,
		&st.Status, &errMsg, &st.Attempts, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		st.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		st.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid {
		st.Error = errMsg.String
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return &st, nil
}

// GetStep returns the recorded step at index, or nil if there is none.
func (s *Storage) GetStep(instanceID string, index int) (*models.Step, error) {
	row := s.db.QueryRow(
		`SELECT `+stepColumns+` FROM steps WHERE instance_id = ? AND step_index = ?`,
		instanceID, index,
	)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// StartStep records that an attempt of the step is running, replacing any
// failed or stale attempt at the same index. It returns the attempt number.
func (s *Storage) StartStep(st *models.Step) (int, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO steps (instance_id, step_index, kind, input_hash, input, status, attempts, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(instance_id, step_index) DO UPDATE SET
			kind = excluded.kind,
			input_hash = excluded.input_hash,
			input = excluded.input,
			output = NULL,
			status = excluded.status,
			error = NULL,
			attempts = steps.attempts + 1,
			started_at = excluded.started_at,
			completed_at = NULL`,
		st.InstanceID, st.Index, st.Kind, st.InputHash, string(st.Input), models.StepStatusRunning, now,
	)
	if err != nil {
		return 0, err
	}

	var attempts int
	err = s.db.QueryRow(
		`SELECT attempts FROM steps WHERE instance_id = ? AND step_index = ?`, st.InstanceID, st.Index,
	).Scan(&attempts)
	return attempts, err
}

func (s *Storage) CompleteStep(instanceID string, index int, output json.RawMessage) error {
	_, err := s.db.Exec(
		`UPDATE steps SET status = ?, output = ?, error = NULL, completed_at = ?
		 WHERE instance_id = ? AND step_index = ?`,
		models.StepStatusComplete, string(output), time.Now().UTC(), instanceID, index,
	)
	return err
}

func (s *Storage) FailStep(instanceID string, index int, msg string) error {
	_, err := s.db.Exec(
		`UPDATE steps SET status = ?, error = ?, completed_at = ?
		 WHERE instance_id = ? AND step_index = ?`,
		models.StepStatusFailed, msg, time.Now().UTC(), instanceID, index,
	)
	return err
}

// InvalidateStepsFrom drops every step at or after index. Used when a
// replayed workflow diverges from its recorded history.
func (s *Storage) InvalidateStepsFrom(instanceID string, index int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM steps WHERE instance_id = ? AND step_index >= ?`, instanceID, index,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) ListSteps(instanceID string) ([]*models.Step, error) {
	rows, err := s.db.Query(
		`SELECT `+stepColumns+` FROM steps WHERE instance_id = ? ORDER BY step_index`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
