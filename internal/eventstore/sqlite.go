package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/convoyai/convoy/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists logs in a SQLite database. Each event is one row,
// keyed by (conversation_id, event_index); Save rewrites the conversation
// in a single transaction so a partially written log is never visible.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path to the database file; empty means in-memory.
	Path string
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent conversations.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_events (
			conversation_id TEXT NOT NULL,
			event_index INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, event_index)
		)
	`)
	if err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	_, err = s.db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_events_conversation ON conversation_events(conversation_id)")
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Save replaces the stored log for a conversation.
func (s *SQLiteStore) Save(ctx context.Context, conversationID string, events []models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			_ = rerr
		}
	}()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversation_events WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_events (conversation_id, event_index, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", e.EventIndex, err)
		}
		if _, err := stmt.ExecContext(ctx,
			conversationID, e.EventIndex, e.Type, string(payload), e.CreatedAt); err != nil {
			return fmt.Errorf("insert event %d: %w", e.EventIndex, err)
		}
	}
	return tx.Commit()
}

// Load returns the stored log in index order.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM conversation_events
		WHERE conversation_id = ?
		ORDER BY event_index
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e models.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Conversations lists stored conversation ids.
func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT conversation_id FROM conversation_events ORDER BY conversation_id")
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
