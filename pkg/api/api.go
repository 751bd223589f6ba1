package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/weavy/devauth/pkg/api/store"
	"github.com/weavy/devauth/pkg/config"
	"github.com/weavy/devauth/pkg/roster"
	"github.com/weavy/devauth/pkg/tokens"
	"github.com/weavy/devauth/pkg/upstream"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 15 * time.Minute
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	roster       *roster.Roster
	client       *upstream.Client
	syncer       *upstream.Synchronizer
	tokens       *tokens.Cache
	store        store.Store
	sessions     *sessionManager
	registry     *prometheus.Registry
	metrics      *serverMetrics
	rosterSynced atomic.Bool
	httpServer   *http.Server
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	done         chan struct{}
}

// NewServer creates a new API server for the given roster.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	r *roster.Roster,
) Server {
	return newServer(log, cfg, r)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	r *roster.Roster,
) *server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		roster: r,
		done:   make(chan struct{}),
	}
}

// setup builds the upstream client, token cache and session store.
func (s *server) setup(ctx context.Context) error {
	serverCfg, err := upstream.NewServerConfig(&s.cfg.Upstream)
	if err != nil {
		return err
	}

	s.client = upstream.NewClient(s.log, serverCfg, s.cfg.Upstream.TokenExpiresIn)
	s.syncer = upstream.NewSynchronizer(
		s.log, s.client, s.cfg.Upstream.SyncConcurrency,
	)

	s.registry = prometheus.NewRegistry()

	s.metrics, err = newServerMetrics(s.registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	opts := []tokens.Option{tokens.WithRegisterer(s.registry)}
	if s.cfg.Tokens.Coalesce {
		opts = append(opts, tokens.WithCoalescing())
	}

	s.tokens, err = tokens.NewCache(s.log, s.client, opts...)
	if err != nil {
		return fmt.Errorf("creating token cache: %w", err)
	}

	s.store, err = store.NewStore(s.log, &s.cfg.Session)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting session store: %w", err)
	}

	s.sessions = newSessionManager(s.log, s.store, &s.cfg.Session)

	return nil
}

// Start wires the components, begins serving HTTP and kicks off the
// background roster sync. Requests are served before the sync finishes.
func (s *server) Start(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return err
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Start session cleanup goroutine.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("session cleanup")

		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.store.DeleteExpiredSessions(bgCtx); err != nil {
					s.log.WithError(err).
						Warn("Failed to clean expired sessions")
				}
			case <-s.done:
				return
			}
		}
	}()

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.httpServer.Addr).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.syncRoster(bgCtx)
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.cancel != nil {
		s.cancel()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping session store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// syncRoster waits for the upstream to report ready and pushes the roster
// once. Failures are logged; request handling never depends on it.
func (s *server) syncRoster(ctx context.Context) {
	defer s.recoverPanic("roster sync")

	if err := s.client.WaitHealthy(ctx, s.cfg.Upstream.Readiness); err != nil {
		s.log.WithError(err).Warn("Upstream never became ready, roster not synced")

		return
	}

	result := s.syncer.Sync(ctx, s.roster)
	s.metrics.observeSync(result)
	s.rosterSynced.Store(true)
}

// recoverPanic logs a panic in a background goroutine instead of letting
// it take the process down.
func (s *server) recoverPanic(task string) {
	if r := recover(); r != nil {
		s.log.WithField("task", task).
			WithField("panic", r).
			Error("Recovered from panic in background task")
	}
}
