// Package commands holds the docket CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkfold/docket/config"
	"github.com/inkfold/docket/db"
	"github.com/inkfold/docket/errors"
	"github.com/inkfold/docket/extract"
	"github.com/inkfold/docket/job"
	"github.com/inkfold/docket/logger"
	"github.com/inkfold/docket/notify"
	"github.com/inkfold/docket/ratelimit"
	"github.com/inkfold/docket/server"
)

// Flags shared across commands, bound in main
var (
	ConfigPathFlag string
	JSONLogsFlag   bool
)

// ServeCmd starts the coordination service
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docket coordination service",
	Long: `Start the docket coordination service.

Opens the database, applies pending migrations, recovers jobs orphaned by a
previous crash, and serves the HTTP and WebSocket API until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(ConfigPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	limiter := ratelimit.New(ratelimit.NewSQLStore(database), logger.ComponentLogger("ratelimit"))
	limiter.SetRule(ratelimit.ActionSubmit, ratelimit.Rule{
		Limit:  cfg.RateLimit.SubmitLimit,
		Window: time.Duration(cfg.RateLimit.SubmitWindowSeconds) * time.Second,
		// Submission mutates state and dispatches paid external work, so
		// a broken counter store must deny rather than allow.
		FailOpen: false,
	})

	engine := extract.NewClient(
		cfg.Extractor.BaseURL,
		cfg.Extractor.APIKey,
		time.Duration(cfg.Extractor.TimeoutSeconds)*time.Second,
		logger.ComponentLogger("extract"),
	)

	hub := notify.NewHub(time.Duration(cfg.Notify.TeardownGraceSeconds)*time.Second,
		logger.ComponentLogger("notify"))

	store := job.NewStore(database)
	coordinator := job.NewCoordinator(store, engine, limiter, hub, job.CoordinatorConfig{
		MaxUploadBytes: cfg.Jobs.MaxUploadBytes,
		PollInterval:   time.Duration(cfg.Extractor.PollSeconds) * time.Second,
		PollCeiling:    time.Duration(cfg.Extractor.PollCeiling) * time.Second,
		PollRatePerSec: cfg.Extractor.PollRatePerSec,
		WaitingTimeout: time.Duration(cfg.Jobs.WaitingTimeoutSeconds) * time.Second,
		SweepInterval:  time.Duration(cfg.Jobs.SweepIntervalSeconds) * time.Second,
		RecoveryLimit:  cfg.Jobs.RecoveryLimit,
	}, logger.ComponentLogger("job.coordinator"))

	if err := coordinator.Start(); err != nil {
		return errors.Wrap(err, "failed to start job coordinator")
	}
	defer coordinator.Stop()

	srv := server.New(cfg, coordinator, store, hub, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infow("Shutting down on signal", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	return nil
}
