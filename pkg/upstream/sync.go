package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/weavy/devauth/pkg/roster"
)

// UserPusher writes roster entries to the upstream.
type UserPusher interface {
	UpsertUser(ctx context.Context, u roster.User) error
	UpdateBot(ctx context.Context, u roster.User) error
}

// Compile-time interface check.
var _ UserPusher = (*Client)(nil)

// SyncResult summarizes one synchronization pass.
type SyncResult struct {
	Synced int
	Failed int
}

// Synchronizer pushes the roster to the upstream. Individual failures are
// logged and counted, never returned: the sync is best effort.
type Synchronizer struct {
	log         logrus.FieldLogger
	pusher      UserPusher
	concurrency int
}

// NewSynchronizer creates a Synchronizer running at most concurrency
// upstream calls at once.
func NewSynchronizer(
	log logrus.FieldLogger,
	pusher UserPusher,
	concurrency int,
) *Synchronizer {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Synchronizer{
		log:         log.WithField("component", "sync"),
		pusher:      pusher,
		concurrency: concurrency,
	}
}

// Sync upserts every human and patches every bot, waiting for all calls
// to settle.
func (s *Synchronizer) Sync(ctx context.Context, r *roster.Roster) SyncResult {
	var (
		synced atomic.Int64
		failed atomic.Int64
		g      errgroup.Group
	)

	start := time.Now()

	g.SetLimit(s.concurrency)

	for _, u := range r.List() {
		g.Go(func() error {
			var err error

			switch u.Kind {
			case roster.KindHuman:
				err = s.pusher.UpsertUser(ctx, u)
			case roster.KindAgent:
				err = s.pusher.UpdateBot(ctx, u)
			}

			if err != nil {
				failed.Add(1)
				s.log.WithError(err).
					WithField("username", u.Username).
					WithField("kind", u.Kind).
					Warn("Failed to sync user")

				return nil
			}

			synced.Add(1)

			return nil
		})
	}

	_ = g.Wait()

	result := SyncResult{
		Synced: int(synced.Load()),
		Failed: int(failed.Load()),
	}

	s.log.WithFields(logrus.Fields{
		"synced":   result.Synced,
		"failed":   result.Failed,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Roster sync completed")

	return result
}
