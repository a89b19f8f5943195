// Package api is the operator surface: health, status, approvals, panic and
// metrics over HTTP. It controls the agent but never sits on the trading
// path.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"perp-trading-agent/internal/approval"
	"perp-trading-agent/internal/engine"
	"perp-trading-agent/internal/exitplan"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/marketdata"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/store"
)

type Server struct {
	echo     *echo.Echo
	cfg      *store.Config
	gate     *approval.Gate
	riskCtl  *risk.Controller
	registry *exitplan.Registry
	engine   *engine.Engine
	cache    *marketdata.Cache
	started  time.Time
}

func NewServer(cfg *store.Config, gate *approval.Gate, riskCtl *risk.Controller, registry *exitplan.Registry, eng *engine.Engine, cache *marketdata.Cache) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		cfg:      cfg,
		gate:     gate,
		riskCtl:  riskCtl,
		registry: registry,
		engine:   eng,
		cache:    cache,
		started:  time.Now(),
	}

	e.GET("/healthz", s.healthz)
	e.GET("/status", s.status)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/approvals", s.pendingApprovals)
	e.POST("/approvals/:id/resolve", s.resolveApproval)
	e.POST("/panic", s.panic)
	e.POST("/risk/clear-drawdown", s.clearDrawdown)
	e.POST("/cache/:symbol/invalidate", s.invalidateCache)
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	logger.Info(ctx, "API server starting", "addr", s.cfg.API.Addr)
	if err := s.echo.Start(s.cfg.API.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	deadman := s.riskCtl.DeadMan()
	return c.JSON(http.StatusOK, map[string]any{
		"mode":              s.cfg.Mode,
		"exchange":          s.cfg.Exchange,
		"universe":          s.cfg.Universe,
		"uptime_seconds":    int(time.Since(s.started).Seconds()),
		"last_cycle":        s.engine.LastCycle(),
		"dead_man_state":    string(deadman.State()),
		"dead_man_deadline": deadman.Deadline(),
		"drawdown_halted":   s.riskCtl.DrawdownHalted(),
		"active_plans":      s.registry.Active(),
		"pending_approvals": s.gate.Pending(),
	})
}

func (s *Server) pendingApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, s.gate.Pending())
}

func (s *Server) resolveApproval(c echo.Context) error {
	var body struct {
		Approved  bool   `json:"approved"`
		Responder string `json:"responder"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if body.Responder == "" {
		body.Responder = "api"
	}
	if err := s.gate.Resolve(c.Param("id"), body.Approved, body.Responder); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resolved"})
}

// panic cancels every order and closes every position. Partial failures
// come back as 502 with the unresolved symbols listed.
func (s *Server) panic(c echo.Context) error {
	ctx := c.Request().Context()
	logger.Safety(ctx, "PANIC_REQUESTED", "remote", c.RealIP())

	err := s.riskCtl.Panic(ctx)
	s.registry.CancelAll(exitplan.TriggerPanic)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "flat"})
}

func (s *Server) clearDrawdown(c echo.Context) error {
	s.riskCtl.ClearDrawdownHalt(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) invalidateCache(c echo.Context) error {
	symbol := c.Param("symbol")
	s.cache.Invalidate(symbol)
	return c.JSON(http.StatusOK, map[string]string{"status": "invalidated", "symbol": symbol})
}
