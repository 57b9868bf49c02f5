package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical/scholarlens/internal/server"
)

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the preview and analysis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx := cmd.Context()
			scheduler, closeCache, err := newScheduler(ctx)
			if err != nil {
				return err
			}
			defer closeCache()

			analyzer := newAnalyzer()
			if analyzer == nil {
				logger.Warn().Msg("OPENROUTER_API_KEY not set, analysis disabled")
			}

			api := server.New(server.Options{
				Config:    cfg,
				Scheduler: scheduler,
				Analyzer:  analyzer,
				Logger:    logger,
			})

			srv := &http.Server{
				Addr:         cfg.Addr(),
				Handler:      api,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			logger.Info().
				Str("addr", srv.Addr).
				Str("cache", cfg.Cache.Driver).
				Bool("ai", analyzer != nil).
				Msg("Starting ScholarLens API")

			serverErrors := make(chan error, 1)
			go func() {
				serverErrors <- srv.ListenAndServe()
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(shutdown)

			select {
			case err := <-serverErrors:
				if !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("Server error")
					return err
				}
			case sig := <-shutdown:
				logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Graceful shutdown failed")
				if err := srv.Close(); err != nil {
					logger.Error().Err(err).Msg("Forced shutdown failed")
				}
			}

			if err := api.Close(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to close documents")
			}
			if err := scheduler.Wait(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Renders still running at shutdown")
			}

			logger.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}
