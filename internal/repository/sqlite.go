// Package repository persists instances, transcripts, tool calls, and the
// append-only event log in SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hitloop/conductor/internal/domain"
)

// SQLiteStore implements the orchestrator's Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and migrates it.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across
	// goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			cwd TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_uuid TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			session_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (instance_id) REFERENCES instances(instance_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_instance ON messages(instance_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			instance_id TEXT NOT NULL,
			tool_use_id TEXT NOT NULL,
			tool_name TEXT,
			input TEXT,
			output TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			PRIMARY KEY (instance_id, tool_use_id),
			FOREIGN KEY (instance_id) REFERENCES instances(instance_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_status ON tool_calls(instance_id, status)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (instance_id) REFERENCES instances(instance_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureInstance inserts the instance row if it does not exist yet.
func (s *SQLiteStore) EnsureInstance(ctx context.Context, instanceID, cwd string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (instance_id, cwd, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id) DO NOTHING`,
		instanceID, cwd, time.Now())
	return err
}

// AppendEvent appends one event to the log. The log is insert-only: a
// transcript is reconstructed by replaying it, never by rewriting rows.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, instance_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		evt.EventID, evt.InstanceID, evt.Ts, string(evt.Type), string(evt.Payload))
	return err
}

// ListEvents returns events for an instance ordered by timestamp, starting
// strictly after afterTs. limit <= 0 means no limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string, afterTs int64, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, instance_id, ts, type, payload FROM events
		WHERE instance_id = ? AND ts > ? ORDER BY ts ASC, event_id ASC`
	args := []any{instanceID, afterTs}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var evt domain.Event
		var typ string
		var payload sql.NullString
		if err := rows.Scan(&evt.EventID, &evt.InstanceID, &evt.Ts, &typ, &payload); err != nil {
			return nil, err
		}
		evt.Type = domain.EventType(typ)
		if payload.Valid {
			evt.Payload = json.RawMessage(payload.String)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// SaveMessage persists one committed timeline message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, instanceID string, msg *domain.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_uuid, instance_id, session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_uuid) DO NOTHING`,
		msg.UUID, instanceID, msg.SessionID, msg.Role, string(content), msg.CreatedAt)
	return err
}

// ListMessages returns an instance's messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, instanceID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_uuid, session_id, role, content, created_at FROM messages
		WHERE instance_id = ? ORDER BY created_at ASC, message_uuid ASC`
	args := []any{instanceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var sessionID sql.NullString
		var content string
		if err := rows.Scan(&msg.UUID, &sessionID, &msg.Role, &content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			msg.SessionID = sessionID.String
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content for %s: %w", msg.UUID, err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SavePendingToolCall records a tool_use observation. A completion that
// arrived first keeps its terminal status; only name and input are filled
// in.
func (s *SQLiteStore) SavePendingToolCall(ctx context.Context, instanceID, toolUseID, toolName string, input json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (instance_id, tool_use_id, tool_name, input, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, tool_use_id) DO UPDATE SET
			tool_name = excluded.tool_name,
			input = excluded.input`,
		instanceID, toolUseID, toolName, string(input), string(domain.ToolExecutionPending), time.Now())
	return err
}

// CompleteToolCall records a tool result. A result for an id never seen as
// pending becomes a standalone completed row.
func (s *SQLiteStore) CompleteToolCall(ctx context.Context, instanceID, toolUseID string, output json.RawMessage, isError bool) error {
	status := domain.ToolExecutionComplete
	if isError {
		status = domain.ToolExecutionError
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (instance_id, tool_use_id, output, status, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, tool_use_id) DO UPDATE SET
			output = excluded.output,
			status = excluded.status,
			completed_at = excluded.completed_at`,
		instanceID, toolUseID, string(output), string(status), now, now)
	return err
}

// ListToolCalls returns an instance's tool calls in creation order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, instanceID string) ([]domain.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_use_id, tool_name, input, output, status, created_at, completed_at
		 FROM tool_calls WHERE instance_id = ? ORDER BY created_at ASC, tool_use_id ASC`,
		instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.ToolExecution
	for rows.Next() {
		var exec domain.ToolExecution
		var name, input, output sql.NullString
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&exec.ToolUseID, &name, &input, &output, &status, &exec.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		exec.ToolName = name.String
		if input.Valid && input.String != "" {
			exec.Input = json.RawMessage(input.String)
		}
		if output.Valid && output.String != "" {
			exec.Output = json.RawMessage(output.String)
		}
		exec.Status = domain.ToolExecutionStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			exec.CompletedAt = &t
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}
