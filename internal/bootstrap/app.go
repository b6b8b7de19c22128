// Package bootstrap wires configuration, logging, and telemetry and runs the
// application components under one lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"volharvester/internal/config"
	"volharvester/internal/core"
	"volharvester/pkg/logging"
	"volharvester/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies.
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp loads config and initializes logging and telemetry.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("volharvester")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Logger after telemetry so the otelzap bridge sees the real provider
	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
	}, nil
}

// Runner is a component with a blocking Run that honors context
// cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts all runners under one errgroup and a signal-aware context.
// The first failure or a SIGINT/SIGTERM stops everything.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "mode", a.Cfg.App.Mode, "symbol", a.Cfg.App.Symbol)

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Shutdown flushes telemetry.
func (a *App) Shutdown(ctx context.Context) {
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}
