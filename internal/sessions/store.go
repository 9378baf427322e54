// Package sessions persists sessions and their message history, and mints
// resume tokens for suspended sessions.
package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/pkg/models"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the session persistence contract.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*models.Session, error)

	// AppendMessage adds one message to the session history.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns the most recent messages in chronological order.
	// limit <= 0 returns everything.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	Close() error
}

// NewStore builds the store named by the config.
func NewStore(cfg config.SessionsConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
