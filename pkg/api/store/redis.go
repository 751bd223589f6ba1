package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/weavy/devauth/pkg/config"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps sessions in Redis. Expiry is delegated to key TTLs.
type RedisStore struct {
	log       logrus.FieldLogger
	cfg       *config.RedisConfig
	client    redis.UniversalClient
	keyPrefix string
}

func newRedisStore(log logrus.FieldLogger, cfg *config.RedisConfig) *RedisStore {
	return &RedisStore{
		log:       log.WithField("component", "store"),
		cfg:       cfg,
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStoreWithClient(
	log logrus.FieldLogger,
	client redis.UniversalClient,
	keyPrefix string,
) *RedisStore {
	return &RedisStore{
		log:       log.WithField("component", "store"),
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Start connects to Redis unless a client was injected, then pings it.
func (s *RedisStore) Start(ctx context.Context) error {
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Addr,
			Username:     s.cfg.Username,
			Password:     s.cfg.Password,
			DB:           s.cfg.DB,
			DialTimeout:  DefaultDialTimeout,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		})
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()

		return fmt.Errorf("connecting to redis: %w", err)
	}

	s.log.Info("Session redis connected")

	return nil
}

// Stop closes the Redis client connection.
func (s *RedisStore) Stop() error {
	if s.client == nil {
		return nil
	}

	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}

		return nil, fmt.Errorf("getting session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	if session.Expired(time.Now().UTC()) {
		return nil, ErrSessionNotFound
	}

	return &session, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()

	ttl := session.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return s.DeleteSession(ctx, session.ID)
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}

	session.UpdatedAt = now

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// DeleteExpiredSessions is a no-op: Redis expires keys itself.
func (s *RedisStore) DeleteExpiredSessions(_ context.Context) error {
	return nil
}
