package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/songzhibin97/letter-workflow/api"
	"github.com/songzhibin97/letter-workflow/auth"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to start", zap.Error(err))
				return err
			}
			defer a.Close()

			if err := a.seed(ctx); err != nil {
				logger.Error("failed to seed", zap.Error(err))
				return err
			}

			return serve(a)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(a *app) error {
	logger := a.logger
	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      api.NewServer(a.engine, auth.NewRoleGate(a.store), logger, a.registry).Echo(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", server.Addr),
			zap.String("storage", a.cfg.Storage.Backend))
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			return err
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			if err := server.Close(); err != nil {
				logger.Error("server close error", zap.Error(err))
			}
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}
