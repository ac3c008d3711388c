package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/doravidan/vibing2-sub003/internal/api"
	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/internal/templates"
	"github.com/doravidan/vibing2-sub003/internal/workflow"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long: `Run the orchestrator HTTP service.

Workflows are submitted and observed over /api/v1. Configuration comes from
the environment (PORT, ORCH_RUNSTORE, ORCH_INVOKER, REDIS_URL, NATS_URL, ...).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if servePort != "" {
		cfg.Port = servePort
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting orchestrator",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("runstore", cfg.RunStoreType),
		slog.String("invoker", cfg.Invoker),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.seed(ctx); err != nil {
		return err
	}

	if cfg.TemplateDir != "" {
		if cfg.TemplateWatch {
			watcher, err := templates.NewWatcher(cfg.TemplateDir, c.templates, templates.WithWatchLogger(logger))
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Stop()
		} else {
			list, err := templates.LoadDir(cfg.TemplateDir)
			if err != nil {
				logger.Warn("some templates failed to load", "dir", cfg.TemplateDir, "error", err)
			}
			if err := templates.Sync(ctx, c.templates, list); err != nil {
				return err
			}
			logger.Info("templates loaded", "dir", cfg.TemplateDir, "count", len(list))
		}
	}

	if mem, ok := c.runs.(*runstore.MemoryStore); ok && cfg.RunStoreTTL > 0 {
		go mem.RunJanitor(ctx, time.Minute)
	}

	inv, err := c.newInvoker(cfg.Invoker)
	if err != nil {
		return err
	}
	service := workflow.NewService(c.runs, c.builder, c.newScheduler(inv), workflow.Config{
		Defaults:           cfg.ExecuteDefaults(),
		Sinks:              c.sinks,
		CancelPollInterval: time.Second,
		Logger:             logger,
	})

	handlers := api.NewHandlers(api.Deps{
		Service:   service,
		Store:     c.runs,
		Registry:  c.registry,
		Templates: c.templates,
		Builder:   c.builder,
		Validator: c.validator,
		Config:    cfg,
		Logger:    logger,
	})
	server := api.NewServer(handlers, api.WithTracing(c.tracing.Enabled()))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("workflows did not stop in time", "error", err, "running", service.Running())
	}

	logger.Info("server stopped")
	return nil
}
