// Package store persists HTTP sessions for the API server.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/weavy/devauth/pkg/config"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("session not found")

// Store provides session persistence. Implementations are safe for
// concurrent use and never return expired sessions.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) error
}

// NewStore creates a Store for the configured driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.SessionConfig,
) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return newSQLStore(log, cfg), nil
	case "redis":
		return newRedisStore(log, &cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported session driver: %s", cfg.Driver)
	}
}
