package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/cloudquill/azure-agent/internal/config"
	"github.com/cloudquill/azure-agent/internal/llm"
)

// Store persists conversations across HTTP requests. The base design is
// stateless (caller-supplied history); a store only participates when a
// request carries a session identifier.
type Store interface {
	// Create starts a new session and returns its identifier.
	Create(ctx context.Context) (string, error)

	// History returns the session's messages in order. Unknown session
	// identifiers yield ErrNotFound.
	History(ctx context.Context, sessionID string) ([]llm.Message, error)

	// Append adds messages to the end of a session's conversation.
	Append(ctx context.Context, sessionID string, msgs []llm.Message) error

	Close() error
}

// ErrNotFound reports an unknown session identifier.
var ErrNotFound = fmt.Errorf("session not found")

// NewStore creates a Store from configuration. Disabled sessions get a no-op
// store so callers never branch.
func NewStore(cfg config.SessionsConfig) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dataDir, err := config.GetDataDir()
		if err != nil {
			return nil, fmt.Errorf("get data dir: %w", err)
		}
		dbPath = filepath.Join(dataDir, "sessions.db")
	}
	return NewSQLiteStore(dbPath)
}

// newSessionID returns a random 128-bit hex identifier.
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
