// Package tokens caches upstream-issued access tokens, one per username.
package tokens

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Issuer obtains a fresh access token for a user.
type Issuer interface {
	IssueToken(ctx context.Context, username string) (string, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithCoalescing makes concurrent misses for the same username share a
// single upstream call.
func WithCoalescing() Option {
	return func(c *Cache) {
		c.coalesce = true
	}
}

// WithRegisterer registers the cache metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.reg = reg
	}
}

// Cache holds at most one token per username. Entries never expire on
// their own; callers ask for a refresh when a token is stale.
//
// Without coalescing, concurrent refreshes for one username each call the
// issuer and the last response to arrive wins the slot.
type Cache struct {
	log      logrus.FieldLogger
	issuer   Issuer
	coalesce bool
	reg      prometheus.Registerer
	metrics  *metrics

	mu      sync.RWMutex
	entries map[string]string

	group singleflight.Group
}

// NewCache creates an empty token cache backed by issuer.
func NewCache(
	log logrus.FieldLogger,
	issuer Issuer,
	opts ...Option,
) (*Cache, error) {
	c := &Cache{
		log:     log.WithField("component", "tokens"),
		issuer:  issuer,
		entries: make(map[string]string, 16),
	}

	for _, opt := range opts {
		opt(c)
	}

	m, err := newMetrics(c.reg)
	if err != nil {
		return nil, fmt.Errorf("registering token metrics: %w", err)
	}

	c.metrics = m

	return c, nil
}

// Token returns the access token for username. A cached token is returned
// without an upstream call unless refresh is set. On issuer failure the
// cache is left untouched and the error is returned.
func (c *Cache) Token(
	ctx context.Context,
	username string,
	refresh bool,
) (string, error) {
	if !refresh {
		if token, ok := c.lookup(username); ok {
			c.metrics.hits.Inc()

			return token, nil
		}
	}

	c.metrics.misses.Inc()

	if !c.coalesce {
		return c.issue(ctx, username)
	}

	v, err, shared := c.group.Do(username, func() (any, error) {
		return c.issue(ctx, username)
	})
	if err != nil {
		return "", err
	}

	if shared {
		c.log.WithField("username", username).
			Debug("Shared in-flight token request")
	}

	return v.(string), nil
}

func (c *Cache) issue(ctx context.Context, username string) (string, error) {
	token, err := c.issuer.IssueToken(ctx, username)
	if err != nil {
		c.metrics.failures.Inc()

		return "", fmt.Errorf("issuing token for %q: %w", username, err)
	}

	c.mu.Lock()
	c.entries[username] = token
	c.mu.Unlock()

	c.log.WithField("username", username).Debug("Cached new access token")

	return token, nil
}

func (c *Cache) lookup(username string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.entries[username]

	return token, ok
}

// Invalidate drops the cached token for username.
func (c *Cache) Invalidate(username string) {
	c.mu.Lock()
	delete(c.entries, username)
	c.mu.Unlock()
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
