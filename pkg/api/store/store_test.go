package store_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavy/devauth/pkg/api/store"
	"github.com/weavy/devauth/pkg/config"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func setupSQLiteStore(t *testing.T) store.Store {
	t.Helper()

	s, err := store.NewStore(testLogger(), &config.SessionConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func setupRedisStore(t *testing.T) store.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := store.NewRedisStoreWithClient(testLogger(), client, "test:session:")
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func setupMemoryStore(t *testing.T) store.Store {
	t.Helper()

	s, err := store.NewStore(testLogger(), &config.SessionConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	return s
}

var drivers = []struct {
	name  string
	setup func(t *testing.T) store.Store
}{
	{name: "memory", setup: setupMemoryStore},
	{name: "sqlite", setup: setupSQLiteStore},
	{name: "redis", setup: setupRedisStore},
}

func TestStore_SaveAndGet(t *testing.T) {
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			s := d.setup(t)
			ctx := context.Background()

			session := &store.Session{
				ID:        "abc123",
				ExpiresAt: time.Now().UTC().Add(time.Hour),
			}
			require.NoError(t, s.SaveSession(ctx, session))

			got, err := s.GetSession(ctx, "abc123")
			require.NoError(t, err)
			assert.Equal(t, "abc123", got.ID)
			assert.Empty(t, got.User)

			// Saving again updates in place.
			session.User = "bugs"
			require.NoError(t, s.SaveSession(ctx, session))

			got, err = s.GetSession(ctx, "abc123")
			require.NoError(t, err)
			assert.Equal(t, "bugs", got.User)
		})
	}
}

func TestStore_GetUnknown(t *testing.T) {
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			s := d.setup(t)

			_, err := s.GetSession(context.Background(), "nope")
			require.ErrorIs(t, err, store.ErrSessionNotFound)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			s := d.setup(t)
			ctx := context.Background()

			require.NoError(t, s.SaveSession(ctx, &store.Session{
				ID:        "gone",
				User:      "marvin",
				ExpiresAt: time.Now().UTC().Add(time.Hour),
			}))
			require.NoError(t, s.DeleteSession(ctx, "gone"))

			_, err := s.GetSession(ctx, "gone")
			require.ErrorIs(t, err, store.ErrSessionNotFound)

			// Deleting an unknown session is not an error.
			require.NoError(t, s.DeleteSession(ctx, "never-existed"))
		})
	}
}

func TestStore_ExpiredSessionsAreHidden(t *testing.T) {
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			s := d.setup(t)
			ctx := context.Background()

			require.NoError(t, s.SaveSession(ctx, &store.Session{
				ID:        "old",
				ExpiresAt: time.Now().UTC().Add(-time.Minute),
			}))
			require.NoError(t, s.SaveSession(ctx, &store.Session{
				ID:        "fresh",
				ExpiresAt: time.Now().UTC().Add(time.Hour),
			}))

			_, err := s.GetSession(ctx, "old")
			require.ErrorIs(t, err, store.ErrSessionNotFound)

			require.NoError(t, s.DeleteExpiredSessions(ctx))

			_, err = s.GetSession(ctx, "fresh")
			require.NoError(t, err)
		})
	}
}

func TestMemoryStore_DeleteExpiredSessions(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &store.Session{
		ID:        "old",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, s.SaveSession(ctx, &store.Session{
		ID:        "fresh",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.DeleteExpiredSessions(ctx))
	assert.Equal(t, 1, s.Len())
}

func TestRedisStore_UsesKeyTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := store.NewRedisStoreWithClient(testLogger(), client, "ttl:")
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.SaveSession(context.Background(), &store.Session{
		ID:        "abc",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}))

	assert.True(t, mr.Exists("ttl:abc"))
	assert.Greater(t, mr.TTL("ttl:abc"), time.Duration(0))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetSession(context.Background(), "abc")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestNewStore_UnknownDriver(t *testing.T) {
	_, err := store.NewStore(testLogger(), &config.SessionConfig{Driver: "etcd"})
	require.Error(t, err)
}
