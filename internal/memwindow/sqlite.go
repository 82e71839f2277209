package memwindow

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a missing durable window.
var ErrNotFound = errors.New("conversation window not found")

// SQLiteStore is the durable copy of the window index.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the window table at dbPath. The
// file may be shared with the message store.
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
	CREATE TABLE IF NOT EXISTS conversation_windows (
		conversation_id TEXT PRIMARY KEY,
		turns TEXT,
		context TEXT,
		last_activity TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert writes the window, replacing any prior row.
func (s *SQLiteStore) Upsert(w *Window) error {
	turns, err := json.Marshal(w.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}

	var contextJSON any
	if len(w.Context) > 0 {
		data, err := json.Marshal(w.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		contextJSON = string(data)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversation_windows (conversation_id, turns, context, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			turns = excluded.turns,
			context = excluded.context,
			last_activity = excluded.last_activity
	`, w.ConversationID, string(turns), contextJSON, w.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert window: %w", err)
	}
	return nil
}

// Get returns the durable window, or ErrNotFound.
func (s *SQLiteStore) Get(conversationID string) (*Window, error) {
	row := s.db.QueryRow(`
		SELECT conversation_id, turns, context, last_activity
		FROM conversation_windows
		WHERE conversation_id = ?
	`, conversationID)

	var w Window
	var turns, contextJSON sql.NullString
	var lastActivity time.Time

	err := row.Scan(&w.ConversationID, &turns, &contextJSON, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w.LastActivity = lastActivity
	if turns.Valid && turns.String != "" {
		if err := json.Unmarshal([]byte(turns.String), &w.Turns); err != nil {
			return nil, fmt.Errorf("unmarshal turns for %s: %w", conversationID, err)
		}
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &w.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context for %s: %w", conversationID, err)
		}
	}

	return &w, nil
}
