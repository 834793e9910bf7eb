// Package store persists conversation messages and execution outcomes on the
// client, in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DBFile is the database file name inside the data directory
const DBFile = "tether.db"

// Store handles message persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)
	// Enable WAL mode and busy timeout for better concurrent access
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		execution_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		images_json TEXT,
		todos_json TEXT,
		outcome TEXT,
		error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		reconnects INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_conversation ON executions(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage inserts a message, assigning ID and CreatedAt when unset
func (s *Store) SaveMessage(msg *Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("message has no conversation id")
	}
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	images, err := marshalOptional(msg.Images)
	if err != nil {
		return err
	}
	todos, err := marshalOptional(msg.Todos)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, execution_id, role, content, images_json, todos_json, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, nullString(msg.ExecutionID), string(msg.Role), msg.Content,
		images, todos, nullString(string(msg.Outcome)), nullString(msg.Error), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Messages returns a conversation's messages, oldest first
func (s *Store) Messages(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, execution_id, role, content, images_json, todos_json, outcome, error, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// LatestAssistant returns the most recent assistant message of a conversation
func (s *Store) LatestAssistant(conversationID string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, execution_id, role, content, images_json, todos_json, outcome, error, created_at
		FROM messages WHERE conversation_id = ? AND role = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, conversationID, string(RoleAssistant),
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

// HasExecutionMessage reports whether an assistant message for the execution exists
func (s *Store) HasExecutionMessage(executionID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE execution_id = ? AND role = ?`,
		executionID, string(RoleAssistant)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count messages: %w", err)
	}
	return n > 0, nil
}

// Conversations lists conversations with stored messages, most recent first
func (s *Store) Conversations() ([]*ConversationSummary, error) {
	rows, err := s.db.Query(`
		SELECT m.conversation_id, COUNT(*), MAX(m.created_at),
		       (SELECT content FROM messages f WHERE f.conversation_id = m.conversation_id AND f.role = 'user'
		        ORDER BY f.created_at ASC, f.rowid ASC LIMIT 1)
		FROM messages m
		GROUP BY m.conversation_id
		ORDER BY MAX(m.created_at) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		var updated string
		var title sql.NullString
		if err := rows.Scan(&c.ID, &c.Messages, &updated, &title); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.UpdatedAt = parseTime(updated)
		c.Title = title.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation's messages and execution records
func (s *Store) DeleteConversation(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM executions WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}
	return tx.Commit()
}

// RecordExecution inserts or updates the local record of an execution
func (s *Store) RecordExecution(rec *ExecutionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO executions (id, conversation_id, status, error, reconnects, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			status = excluded.status,
			error = excluded.error,
			reconnects = excluded.reconnects,
			updated_at = excluded.updated_at`,
		rec.ID, rec.ConversationID, rec.Status, nullString(rec.Error), rec.Reconnects, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// Executions returns a conversation's execution records, oldest first
func (s *Store) Executions(conversationID string) ([]*ExecutionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, status, error, reconnects, created_at, updated_at
		FROM executions WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Status, &errMsg, &rec.Reconnects, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec.Error = errMsg.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var role string
	var execID, images, todos, outcome, errMsg sql.NullString

	err := row.Scan(&msg.ID, &msg.ConversationID, &execID, &role, &msg.Content,
		&images, &todos, &outcome, &errMsg, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Role = Role(role)
	msg.ExecutionID = execID.String
	msg.Outcome = Outcome(outcome.String)
	msg.Error = errMsg.String
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &msg.Images); err != nil {
			return nil, fmt.Errorf("failed to decode images: %w", err)
		}
	}
	if todos.Valid && todos.String != "" {
		if err := json.Unmarshal([]byte(todos.String), &msg.Todos); err != nil {
			return nil, fmt.Errorf("failed to decode todos: %w", err)
		}
	}
	return &msg, nil
}

func marshalOptional[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// parseTime reads aggregate timestamps, which SQLite returns as text
func parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
