package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/shopfloor/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; fan-out activities record steps concurrently.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		task TEXT NOT NULL,
		team TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		turn INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		trace_id TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS steps (
		instance_id TEXT NOT NULL REFERENCES instances(id),
		step_index INTEGER NOT NULL,
		kind TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		input TEXT,
		output TEXT,
		status TEXT NOT NULL,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		PRIMARY KEY (instance_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		turn INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
	CREATE INDEX IF NOT EXISTS idx_messages_instance ON messages(instance_id, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_tool_result
		ON messages(instance_id, tool_call_id) WHERE tool_call_id <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_turn_role
		ON messages(instance_id, turn, role) WHERE role IN ('user', 'assistant');
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateInstance(inst *models.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO instances (id, kind, task, team, status, turn, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Kind, inst.Task, inst.Team, inst.Status, inst.Turn, inst.TraceID, inst.CreatedAt,
	)
	return err
}

const instanceColumns = `id, kind, task, team, status, turn, result, error, trace_id, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*models.Instance, error) {
	var inst models.Instance
	var result, errMsg, traceID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&inst.ID, &inst.Kind, &inst.Task, &inst.Team, &inst.Status, &inst.Turn,
		&result, &errMsg, &traceID, &inst.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		inst.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		inst.Error = errMsg.String
	}
	if traceID.Valid {
		inst.TraceID = traceID.String
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return &inst, nil
}

func (s *Storage) GetInstance(id string) (*models.Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst, err
}

func (s *Storage) UpdateInstance(inst *models.Instance) error {
	var result *string
	if inst.Result != nil {
		str := string(inst.Result)
		result = &str
	}
	_, err := s.db.Exec(
		`UPDATE instances SET status = ?, turn = ?, result = ?, error = ?, trace_id = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		inst.Status, inst.Turn, result, inst.Error, inst.TraceID, inst.StartedAt, inst.CompletedAt, inst.ID,
	)
	return err
}

func (s *Storage) ListInstances(limit int) ([]*models.Instance, error) {
	rows, err := s.db.Query(
		`SELECT `+instanceColumns+` FROM instances ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

func (s *Storage) DeleteInstance(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE instance_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE instance_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM instances WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
