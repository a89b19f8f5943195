package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-trading-agent/internal/eod"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/trace"
)

func main() {
	if err := initializeSystem(); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		os.Exit(1)
	}

	agent, err := buildAgent(ctx, cfg)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to build agent", err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	agent.start(ctx)
	logger.Info(ctx, "Agent started",
		"mode", cfg.Mode,
		"exchange", cfg.Exchange,
		"universe", cfg.Universe,
		"cycle_interval", cfg.CycleInterval().String())

	<-sigc
	logger.Info(ctx, "Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := agent.api.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "API shutdown error", "error", err)
	}
	if p, err := eod.SummarizeDay(agent.archive, time.Now().UTC()); err == nil && p != "" {
		logger.Info(shutdownCtx, "EOD summary written", "path", p)
	}
	_ = trace.Shutdown(shutdownCtx)
	_ = logger.Shutdown(shutdownCtx)
}
