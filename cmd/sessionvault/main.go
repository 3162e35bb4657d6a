package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/sessionvault/internal/app"
	"github.com/antoniostano/sessionvault/internal/config"
	"github.com/antoniostano/sessionvault/internal/encryption"
	"github.com/antoniostano/sessionvault/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sessionvault",
		Short:        "Encrypted, anonymized session storage with secure artifact deletion",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newSaltCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiration janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "End every expired or half-ended session once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			res, err := app.Build(cmd.Context(), cfg, app.BuildOptions{Logger: log})
			if err != nil {
				return err
			}
			defer func() { _ = res.Cleanup() }()

			n, err := res.Store.CleanupExpiredSessions(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}

func newSaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "salt",
		Short: "Print a fresh random KDF salt in hex",
		RunE: func(cmd *cobra.Command, _ []string) error {
			salt, err := encryption.NewSaltHex()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), salt)
			return nil
		},
	}
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	log, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, log, nil
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := app.Build(ctx, cfg, app.BuildOptions{Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// Sessions left ending or expired by a previous process are finished
	// before new traffic arrives.
	if n, err := res.Store.CleanupExpiredSessions(runCtx); err != nil {
		log.Warn("startup sweep finished with errors", zap.Int("cleaned", n), zap.Error(err))
	} else if n > 0 {
		log.Info("startup sweep", zap.Int("cleaned", n))
	}
	res.Store.StartJanitor(runCtx, cfg.CleanupInterval)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		runCancel()
		return fmt.Errorf("listen error: %w", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
	return nil
}
