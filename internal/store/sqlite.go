package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed message store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the message database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		content TEXT NOT NULL,
		from_number TEXT NOT NULL DEFAULT '',
		to_number TEXT NOT NULL DEFAULT '',
		parent_message_id TEXT,
		tool_calls TEXT,
		tool_result_for TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(status, direction, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const messageColumns = `id, conversation_id, direction, content, from_number, to_number,
	parent_message_id, tool_calls, tool_result_for, status, error_message, created_at`

// InsertMessage persists a new message.
func (s *SQLiteStore) InsertMessage(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	var toolCalls any
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Direction, m.Content, m.FromNumber, m.ToNumber,
		nullable(m.ParentMessageID), toolCalls, nullable(m.ToolResultFor),
		m.Status, nullable(m.ErrorMessage), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage returns the message with the given id, or ErrNotFound.
func (s *SQLiteStore) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateStatus transitions a message's status.
func (s *SQLiteStore) UpdateStatus(id string, status Status, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE messages SET status = ?, error_message = ? WHERE id = ?
	`, status, nullable(errMsg), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachToolCalls records the tool calls requested during a turn.
func (s *SQLiteStore) AttachToolCalls(id string, calls []ToolCall) error {
	data, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	res, err := s.db.Exec(`UPDATE messages SET tool_calls = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("attach tool calls: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextPending returns the oldest pending incoming message, or nil when
// the queue is empty.
func (s *SQLiteStore) NextPending() (*Message, error) {
	row := s.db.QueryRow(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = 'pending' AND direction = 'incoming'
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ChildrenOf returns all messages whose parent is the given id.
func (s *SQLiteStore) ChildrenOf(parentID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE parent_message_id = ?
		ORDER BY created_at ASC, id ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountPendingToolResults counts pending tool-outcome children of the
// given message.
func (s *SQLiteStore) CountPendingToolResults(parentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE parent_message_id = ? AND tool_result_for IS NOT NULL AND status = 'pending'
	`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending tool results: %w", err)
	}
	return n, nil
}

// Conversation returns all messages in a conversation.
func (s *SQLiteStore) Conversation(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var parentID, toolCalls, toolResultFor, errMsg sql.NullString
	var createdAt time.Time

	err := row.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Content,
		&m.FromNumber, &m.ToNumber, &parentID, &toolCalls, &toolResultFor,
		&m.Status, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = createdAt
	if parentID.Valid {
		m.ParentMessageID = parentID.String
	}
	if toolResultFor.Valid {
		m.ToolResultFor = toolResultFor.String
	}
	if errMsg.Valid {
		m.ErrorMessage = errMsg.String
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls for %s: %w", m.ID, err)
		}
	}

	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return msgs, nil
}

// nullable maps an empty string to NULL for optional columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
