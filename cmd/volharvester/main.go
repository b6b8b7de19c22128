// Command volharvester runs the volatility harvesting bot: a backtest over
// historical candles, or a paper/live session with the control API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
	"volharvester/internal/alert"
	"volharvester/internal/backtest"
	"volharvester/internal/bootstrap"
	"volharvester/internal/config"
	"volharvester/internal/core"
	"volharvester/internal/exchange"
	"volharvester/internal/execution"
	"volharvester/internal/infrastructure/health"
	"volharvester/internal/infrastructure/metrics"
	"volharvester/internal/portfolio"
	"volharvester/internal/risk"
	"volharvester/internal/server"
	"volharvester/internal/store"
	"volharvester/internal/strategy"
	"volharvester/internal/trader"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	}()

	if core.TradingMode(app.Cfg.App.Mode) == core.ModeBacktest {
		if err := runBacktest(app); err != nil {
			app.Logger.Error("Backtest failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runSession(app); err != nil {
		app.Logger.Error("Session failed", "error", err)
		os.Exit(1)
	}
}

// runBacktest replays the configured candle file once and prints the result
// as JSON.
func runBacktest(app *bootstrap.App) error {
	cfg := app.Cfg
	candles, err := backtest.LoadCandlesCSV(cfg.Backtest.DataPath)
	if err != nil {
		return err
	}

	stratCfg := strategyConfig(cfg)
	runner := backtest.NewRunner(backtestConfig(cfg),
		strategy.New(stratCfg, app.Logger),
		risk.NewManager(riskConfig(cfg), app.Logger),
		app.Logger)

	res, err := runner.Run(candles, stratCfg.BuyThresholdPct, stratCfg.SellThresholdPct)
	if err != nil {
		return err
	}

	res.EquityCurve = nil
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runSession wires the full paper/live stack and blocks until shutdown.
func runSession(app *bootstrap.App) error {
	cfg := app.Cfg
	logger := app.Logger

	db, err := store.NewSQLiteStore(cfg.App.StateDBPath)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer db.Close()

	alerts := buildAlerts(cfg, logger)
	defer alerts.Stop()

	healthMgr := health.NewHealthManager(logger)

	factory := func() (*trader.Trader, error) {
		venue, err := exchange.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		healthMgr.Register("exchange", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return venue.CheckHealth(ctx)
		})

		base, quote := exchange.SplitSymbol(cfg.App.Symbol)
		mode := core.TradingMode(cfg.App.Mode)
		return trader.New(trader.Config{
			Mode:             mode,
			Symbol:           cfg.App.Symbol,
			BaseAsset:        base,
			QuoteAsset:       quote,
			StartingCash:     decimal.NewFromFloat(cfg.App.StartingCash),
			BuyThresholdPct:  decimal.NewFromFloat(cfg.Strategy.BuyThresholdPct),
			SellThresholdPct: decimal.NewFromFloat(cfg.Strategy.SellThresholdPct),
			LoopInterval:     time.Duration(cfg.App.LoopIntervalSeconds * float64(time.Second)),
			CandleLimit:      cfg.Backtest.ATRWarmup,
			SyncBalances:     mode == core.ModeLive,
			ResumeState:      true,
		}, trader.Deps{
			Exchange:  venue,
			Strategy:  strategy.New(strategyConfig(cfg), logger),
			Risk:      risk.NewManager(riskConfig(cfg), logger),
			Engine:    execution.NewEngine(venue, executionConfig(cfg), logger),
			Portfolio: portfolio.New(decimal.NewFromFloat(cfg.App.StartingCash), logger),
			Store:     db,
			Recorder:  db,
			Alerts:    alerts,
			Logger:    logger,
		}), nil
	}

	sessions := server.NewSessionManager(factory, logger)
	healthMgr.Register("session", sessions.HealthCheck)

	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Stop(ctx)
		}()
	}

	runners := []bootstrap.Runner{&sessionRunner{sessions: sessions}}
	if cfg.Server.Enabled {
		runners = append(runners, server.New(cfg.Server.Port, server.Deps{
			Sessions: sessions,
			Health:   healthMgr,
			Cfg:      cfg,
			Backtest: backtestFunc(cfg, logger),
			Sweep:    sweepFunc(cfg, logger),
			Logger:   logger,
		}))
	}

	return app.Run(runners...)
}

// sessionRunner adapts the session manager to the bootstrap lifecycle: start
// one session at boot, stop it when the process context ends.
type sessionRunner struct {
	sessions *server.SessionManager
}

func (r *sessionRunner) Run(ctx context.Context) error {
	if err := r.sessions.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.sessions.Stop()
	return ctx.Err()
}

func buildAlerts(cfg *config.Config, logger core.ILogger) *alert.AlertManager {
	alerts := alert.NewAlertManager(logger)
	if !cfg.Alerts.Enabled {
		return alerts
	}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	return alerts
}

func backtestFunc(cfg *config.Config, logger core.ILogger) server.BacktestFunc {
	return func(ctx context.Context, req server.BacktestRequest) (*backtest.Result, error) {
		dataPath := req.DataPath
		if dataPath == "" {
			dataPath = cfg.Backtest.DataPath
		}
		candles, err := backtest.LoadCandlesCSV(dataPath)
		if err != nil {
			return nil, err
		}

		stratCfg := strategyConfig(cfg)
		if req.BuyThresholdPct > 0 {
			stratCfg.BuyThresholdPct = decimal.NewFromFloat(req.BuyThresholdPct)
		}
		if req.SellThresholdPct > 0 {
			stratCfg.SellThresholdPct = decimal.NewFromFloat(req.SellThresholdPct)
		}

		runner := backtest.NewRunner(backtestConfig(cfg),
			strategy.New(stratCfg, logger),
			risk.NewManager(riskConfig(cfg), logger),
			logger)
		return runner.Run(candles, stratCfg.BuyThresholdPct, stratCfg.SellThresholdPct)
	}
}

func sweepFunc(cfg *config.Config, logger core.ILogger) server.SweepFunc {
	return func(ctx context.Context, req server.SweepRequest) ([]backtest.SweepPoint, error) {
		dataPath := req.DataPath
		if dataPath == "" {
			dataPath = cfg.Backtest.DataPath
		}
		candles, err := backtest.LoadCandlesCSV(dataPath)
		if err != nil {
			return nil, err
		}

		buyGrid := make([]decimal.Decimal, 0, len(req.BuyGrid))
		for _, v := range req.BuyGrid {
			buyGrid = append(buyGrid, decimal.NewFromFloat(v))
		}
		sellGrid := make([]decimal.Decimal, 0, len(req.SellGrid))
		for _, v := range req.SellGrid {
			sellGrid = append(sellGrid, decimal.NewFromFloat(v))
		}

		return backtest.Sweep(backtestConfig(cfg), strategyConfig(cfg), riskConfig(cfg),
			candles, buyGrid, sellGrid, logger), nil
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	return strategy.Config{
		BuyThresholdPct:    decimal.NewFromFloat(cfg.Strategy.BuyThresholdPct),
		SellThresholdPct:   decimal.NewFromFloat(cfg.Strategy.SellThresholdPct),
		AdaptiveThresholds: cfg.Strategy.AdaptiveThresholds,
		MinSwingPct:        decimal.NewFromFloat(cfg.Strategy.MinSwingPct),
		MaxSwingPct:        decimal.NewFromFloat(cfg.Strategy.MaxSwingPct),
		ATRPeriod:          cfg.Strategy.ATRPeriod,
		ATRLowRefPct:       decimal.NewFromFloat(cfg.Strategy.ATRLowRefPct),
		ATRHighRefPct:      decimal.NewFromFloat(cfg.Strategy.ATRHighRefPct),
		CashReservePct:     decimal.NewFromFloat(cfg.Strategy.CashReservePct),
		TrendFilterEnabled: cfg.Strategy.TrendFilterEnabled,
		MAFastPeriod:       cfg.Strategy.MAFastPeriod,
		MASlowPeriod:       cfg.Strategy.MASlowPeriod,
	}
}

func riskConfig(cfg *config.Config) risk.Config {
	return risk.Config{
		MaxDrawdownPct:       decimal.NewFromFloat(cfg.Risk.MaxDrawdownPct),
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		DailyLossLimitPct:    decimal.NewFromFloat(cfg.Risk.DailyLossLimitPct),
		MinActivityATRPct:    decimal.NewFromFloat(cfg.Risk.MinActivityATRPct),
		MaxActivityATRPct:    decimal.NewFromFloat(cfg.Risk.MaxActivityATRPct),
		MaxSpreadBps:         decimal.NewFromFloat(cfg.Risk.MaxSpreadBps),
		MaxDataStaleness:     time.Duration(cfg.Risk.MaxDataStalenessSeconds * float64(time.Second)),
	}
}

func executionConfig(cfg *config.Config) execution.Config {
	return execution.Config{
		MakerTimeout:     time.Duration(cfg.Execution.MakerTimeoutSeconds * float64(time.Second)),
		TakerTimeout:     time.Duration(cfg.Execution.TakerTimeoutSeconds * float64(time.Second)),
		FillPollInterval: time.Duration(cfg.Execution.FillPollIntervalMs) * time.Millisecond,
		TakerSlippageBps: decimal.NewFromFloat(cfg.Execution.TakerSlippageBps),
		OrderRateLimit:   rate.Limit(cfg.Execution.OrderRateLimit),
		OrderRateBurst:   cfg.Execution.OrderRateBurst,
	}
}

func backtestConfig(cfg *config.Config) backtest.Config {
	return backtest.Config{
		Symbol:           cfg.App.Symbol,
		StartingCash:     decimal.NewFromFloat(cfg.App.StartingCash),
		MakerFillRate:    cfg.Backtest.MakerFillRate,
		Seed:             cfg.Backtest.Seed,
		SpreadBps:        decimal.NewFromFloat(cfg.Backtest.SpreadBps),
		TakerSlippageBps: decimal.NewFromFloat(cfg.Execution.TakerSlippageBps),
		MakerFeePct:      decimal.NewFromFloat(cfg.Exchange.MakerFeePct),
		TakerFeePct:      decimal.NewFromFloat(cfg.Exchange.TakerFeePct),
		ATRWarmup:        cfg.Backtest.ATRWarmup,
	}
}
