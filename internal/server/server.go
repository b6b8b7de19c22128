package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"volharvester/internal/backtest"
	"volharvester/internal/config"
	"volharvester/internal/core"
	"volharvester/internal/infrastructure/health"
	apperrors "volharvester/pkg/errors"

	"github.com/gin-gonic/gin"
)

// BacktestRequest is the body of POST /backtest.
type BacktestRequest struct {
	DataPath           string  `json:"data_path"`
	BuyThresholdPct    float64 `json:"buy_threshold_pct"`
	SellThresholdPct   float64 `json:"sell_threshold_pct"`
	IncludeEquityCurve bool    `json:"include_equity_curve"`
	IncludeTrades      bool    `json:"include_trades"`
}

// SweepRequest is the body of POST /backtest/sweep.
type SweepRequest struct {
	DataPath string    `json:"data_path"`
	BuyGrid  []float64 `json:"buy_grid"`
	SellGrid []float64 `json:"sell_grid"`
}

// BacktestFunc runs one replay for the control API.
type BacktestFunc func(ctx context.Context, req BacktestRequest) (*backtest.Result, error)

// SweepFunc runs a threshold sweep for the control API.
type SweepFunc func(ctx context.Context, req SweepRequest) ([]backtest.SweepPoint, error)

// Deps are the collaborators the API exposes.
type Deps struct {
	Sessions *SessionManager
	Health   *health.HealthManager
	Cfg      *config.Config
	Backtest BacktestFunc
	Sweep    SweepFunc
	Logger   core.ILogger
}

// Server is the HTTP control plane.
type Server struct {
	deps   Deps
	port   int
	srv    *http.Server
	logger core.ILogger
}

// New builds the server and its routes.
func New(port int, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		port:   port,
		logger: deps.Logger.WithField("component", "api_server"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/config", s.handleConfig)
	router.POST("/start", s.handleStart)
	router.POST("/stop", s.handleStop)
	router.POST("/resume", s.handleResume)
	router.POST("/emergency-flatten", s.handleEmergencyFlatten)
	router.POST("/backtest", s.handleBacktest)
	router.POST("/backtest/sweep", s.handleSweep)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	status := s.deps.Health.GetStatus()
	code := http.StatusOK
	if !s.deps.Health.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"components": status})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sessions.Status())
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Cfg.Redacted())
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.deps.Sessions.Start(context.Background()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.deps.Sessions.Stop(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.deps.Sessions.Resume(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleEmergencyFlatten(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.deps.Sessions.EmergencyFlatten(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flattened"})
}

func (s *Server) handleBacktest(c *gin.Context) {
	if s.deps.Backtest == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backtesting not configured"})
		return
	}
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.deps.Backtest(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !req.IncludeEquityCurve {
		res.EquityCurve = nil
	}
	if !req.IncludeTrades {
		res.Trades = nil
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSweep(c *gin.Context) {
	if s.deps.Sweep == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backtesting not configured"})
		return
	}
	var req SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.BuyGrid) == 0 || len(req.SellGrid) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buy_grid and sell_grid must be non-empty"})
		return
	}

	points, err := s.deps.Sweep(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

// fail maps sentinel errors to HTTP codes.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrSessionRunning):
		code = http.StatusConflict
	case errors.Is(err, apperrors.ErrNoSession):
		code = http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidOrderParameter):
		code = http.StatusBadRequest
	}
	s.logger.Warn("Control API request failed", "path", c.FullPath(), "error", err)
	c.JSON(code, gin.H{"error": err.Error()})
}
