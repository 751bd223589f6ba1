package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/weavy/devauth/pkg/config"
)

// healthyBody is the exact status body of a ready upstream.
const healthyBody = "Ok"

// ErrUnhealthy is returned by a single readiness probe that did not see
// the expected status body.
var ErrUnhealthy = errors.New("upstream not ready")

// CheckHealth performs one readiness probe. Only a 2xx response whose
// body is exactly "Ok" counts as ready.
func (c *Client) CheckHealth(ctx context.Context) error {
	body, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}

	if body != healthyBody {
		return fmt.Errorf("%w: unexpected status body %q", ErrUnhealthy, body)
	}

	return nil
}

// WaitHealthy polls the upstream until CheckHealth succeeds. With a zero
// Timeout and MaxAttempts it polls forever at a fixed Interval; a
// MaxInterval above Interval switches to capped exponential backoff.
func (c *Client) WaitHealthy(ctx context.Context, cfg config.ReadinessConfig) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	attempts := 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(readinessBackOff(cfg)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.WithError(err).
				WithField("attempt", attempts).
				WithField("retry_in", next).
				Debug("Upstream not ready")
		}),
	}

	if cfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(cfg.MaxAttempts))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++

		return struct{}{}, c.CheckHealth(ctx)
	}, opts...)
	if err != nil {
		return fmt.Errorf("waiting for upstream after %d attempts: %w", attempts, err)
	}

	c.log.WithField("attempts", attempts).Info("Upstream is healthy")

	return nil
}

func readinessBackOff(cfg config.ReadinessConfig) backoff.BackOff {
	interval := cfg.Interval
	if interval <= 0 {
		interval = config.DefaultReadinessInterval
	}

	if cfg.MaxInterval <= interval {
		return backoff.NewConstantBackOff(interval)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = cfg.MaxInterval
	b.Reset()

	return b
}
