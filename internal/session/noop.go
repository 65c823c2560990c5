package session

import (
	"context"

	"github.com/cloudquill/azure-agent/internal/llm"
)

// NoopStore is used when session persistence is disabled.
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context) (string, error) {
	return "", nil
}

func (s *NoopStore) History(ctx context.Context, sessionID string) ([]llm.Message, error) {
	return nil, ErrNotFound
}

func (s *NoopStore) Append(ctx context.Context, sessionID string, msgs []llm.Message) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
