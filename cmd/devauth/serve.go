package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weavy/devauth/pkg/api"
	"github.com/weavy/devauth/pkg/config"
	"github.com/weavy/devauth/pkg/roster"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication proxy",
	Long: `Start the HTTP proxy. The roster is pushed to the upstream in the
background once it reports ready; requests are served immediately.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the env file and config files and validates the result.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// loadRoster returns the roster from the configured file, or the built-in
// one when no file is set.
func loadRoster(cfg *config.Config) (*roster.Roster, error) {
	if cfg.Roster.File == "" {
		return roster.Default(), nil
	}

	r, err := roster.LoadFile(cfg.Roster.File)
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}

	return r, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	r, err := loadRoster(cfg)
	if err != nil {
		return err
	}

	log.WithField("users", len(r.Humans())).
		WithField("bots", len(r.Agents())).
		WithField("upstream", cfg.Upstream.URL).
		WithField("session_driver", cfg.Session.Driver).
		Info("Configuration loaded")

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, cfg, r)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	return nil
}
