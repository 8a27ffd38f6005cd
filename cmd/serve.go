package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollgroups/api"
	"rollgroups/config"
	"rollgroups/database"
	"rollgroups/worker"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled recompute passes",
		Long: `Start the HTTP API and, unless RECOMPUTE_INTERVAL is 0, a worker that
recomputes every group's membership on that interval. Pending database
migrations are applied first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config.Get(), skipMigrations)
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, skipMigrations bool) error {
	log.WithField("environment", cfg.Environment).Info("Starting rollgroups...")

	if !skipMigrations {
		if err := database.MigrateUp(cfg.GetDatabaseURL()); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	var serverOpts []api.ServerOption
	for name, check := range a.healthChecks() {
		serverOpts = append(serverOpts, api.WithHealthCheck(name, check))
	}
	server := api.NewServer(a.groups, a.recompute, serverOpts...)

	stopWorker := func() {}
	if cfg.RecomputeInterval > 0 {
		stopWorker = worker.NewRecomputeWorker(a.recompute).Start(ctx, cfg.RecomputeInterval)
	} else {
		log.Info("Scheduled recompute disabled")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down gracefully...")
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("http server failed: %w", err)
		}
	}

	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.WithError(shutdownErr).Warn("HTTP server did not shut down cleanly")
	}
	a.close(shutdownCtx)

	log.Info("Shutdown completed")
	return err
}
