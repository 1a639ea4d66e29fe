package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mpataki/shopfloor/internal/models"
)

// AppendMessages appends msgs to the conversation for turn. Messages that
// are already recorded (same tool call id, or same turn and role for user
// and assistant entries) are skipped. It returns how many were added.
func (s *Storage) AppendMessages(instanceID string, turn int, msgs []models.Message) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	added := 0
	now := time.Now().UTC()
	for _, m := range msgs {
		var toolCalls *string
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return 0, err
			}
			str := string(data)
			toolCalls = &str
		}

		res, err := tx.Exec(
			`INSERT OR IGNORE INTO messages (instance_id, turn, role, content, tool_calls, tool_call_id, name, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			instanceID, turn, m.Role, m.Content, toolCalls, m.ToolCallID, m.Name, now,
		)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}

	return added, tx.Commit()
}

func (s *Storage) ListMessages(instanceID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT role, content, tool_calls, tool_call_id, name FROM messages WHERE instance_id = ? ORDER BY id`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// AssistantMessage returns the model reply recorded for turn, or nil.
func (s *Storage) AssistantMessage(instanceID string, turn int) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT role, content, tool_calls, tool_call_id, name FROM messages
		 WHERE instance_id = ? AND turn = ? AND role = ?`,
		instanceID, turn, models.RoleAssistant,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// RecordedToolResults returns the set of tool call ids already answered in
// the conversation.
func (s *Storage) RecordedToolResults(instanceID string) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT tool_call_id FROM messages WHERE instance_id = ? AND tool_call_id <> ''`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var toolCalls sql.NullString
	if err := row.Scan(&m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.Name); err != nil {
		return nil, err
	}
	if toolCalls.Valid {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return nil, err
		}
	}
	return &m, nil
}
