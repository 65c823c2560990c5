package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/cloudquill/azure-agent/internal/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, sequence);
`

// NewSQLiteStore opens (creating if needed) the sessions database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO sessions (id) VALUES (?)", id)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, parts FROM messages WHERE session_id = ? ORDER BY sequence", sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role, partsJSON string
		if err := rows.Scan(&role, &partsJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var parts []llm.Part
		if err := json.Unmarshal([]byte(partsJSON), &parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		msgs = append(msgs, llm.Message{Role: llm.Role(role), Parts: parts})
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?", sessionID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	for i, msg := range msgs {
		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("encode message parts: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, role, parts, sequence) VALUES (?, ?, ?, ?)",
			sessionID, string(msg.Role), string(partsJSON), next+i)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
