package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pevans/borsradar"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.service.Warm(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	api := borsradar.NewAPIServer(a.service, a.store, a.cfg.ScrapeInterval, a.logger)
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Port),
		Handler:           api.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := borsradar.NewScheduler(a.service, a.cfg.ScrapeInterval, a.cfg.ScrapeLimit, a.logger)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		_ = scheduler.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", server.Addr).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutting down gracefully")
	case err := <-serverErr:
		stop()
		<-schedulerDone
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("server shutdown incomplete")
	}

	select {
	case <-schedulerDone:
		a.logger.Info().Msg("scheduler stopped")
	case <-shutdownCtx.Done():
		a.logger.Warn().Msg("shutdown timeout exceeded, forcing exit")
	}

	return nil
}
