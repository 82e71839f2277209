package suspend

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable side of the suspend manager.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the suspended-conversation table at
// dbPath. The file may be shared with the message store.
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

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS suspended_conversations (
		conversation_id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL DEFAULT '',
		context TEXT,
		reason TEXT NOT NULL DEFAULT '',
		user_address TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		suspended_at TIMESTAMP NOT NULL,
		timeout_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_suspended_status ON suspended_conversations(status, timeout_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const suspendColumns = `conversation_id, workflow_name, context, reason,
	user_address, owner_id, suspended_at, timeout_at, status`

// Upsert writes the record, replacing any prior row for the
// conversation.
func (s *SQLiteStore) Upsert(rec *Record) error {
	var contextJSON any
	if len(rec.Context) > 0 {
		data, err := json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		contextJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO suspended_conversations (`+suspendColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			context = excluded.context,
			reason = excluded.reason,
			user_address = excluded.user_address,
			owner_id = excluded.owner_id,
			suspended_at = excluded.suspended_at,
			timeout_at = excluded.timeout_at,
			status = excluded.status
	`, rec.ConversationID, rec.WorkflowName, contextJSON, rec.Reason,
		rec.UserAddress, rec.OwnerID, rec.SuspendedAt, rec.TimeoutAt, rec.Status)
	if err != nil {
		return fmt.Errorf("upsert suspended conversation: %w", err)
	}
	return nil
}

// Get returns the record for the conversation, or ErrNotFound.
func (s *SQLiteStore) Get(conversationID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT `+suspendColumns+`
		FROM suspended_conversations
		WHERE conversation_id = ?
	`, conversationID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListByStatus returns all records in the given status, oldest deadline
// first.
func (s *SQLiteStore) ListByStatus(status Status) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT `+suspendColumns+`
		FROM suspended_conversations
		WHERE status = ?
		ORDER BY timeout_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query suspended conversations: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return recs, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var contextJSON sql.NullString
	var suspendedAt, timeoutAt time.Time

	err := row.Scan(&rec.ConversationID, &rec.WorkflowName, &contextJSON,
		&rec.Reason, &rec.UserAddress, &rec.OwnerID,
		&suspendedAt, &timeoutAt, &rec.Status)
	if err != nil {
		return nil, err
	}

	rec.SuspendedAt = suspendedAt
	rec.TimeoutAt = timeoutAt
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context for %s: %w", rec.ConversationID, err)
		}
	}

	return &rec, nil
}
