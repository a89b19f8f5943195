package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"perp-trading-agent/internal/api"
	"perp-trading-agent/internal/approval"
	"perp-trading-agent/internal/archive"
	"perp-trading-agent/internal/engine"
	"perp-trading-agent/internal/engine/engineobs"
	"perp-trading-agent/internal/eod"
	"perp-trading-agent/internal/exchange/exchangeobs"
	"perp-trading-agent/internal/exchange/hyperliquid"
	"perp-trading-agent/internal/exchange/paper"
	"perp-trading-agent/internal/exec"
	"perp-trading-agent/internal/exitplan"
	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/marketdata"
	"perp-trading-agent/internal/meta"
	"perp-trading-agent/internal/opinion/claude"
	"perp-trading-agent/internal/opinion/noop"
	"perp-trading-agent/internal/opinion/openai"
	"perp-trading-agent/internal/opinion/opinionobs"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/sizing"
	"perp-trading-agent/internal/store"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// agent holds the wired components and the background loops to start.
type agent struct {
	cfg      *store.Config
	api      *api.Server
	archive  *archive.Store
	sched    *engine.Scheduler
	monitor  *exitplan.Monitor
	metaLoop func(ctx context.Context)
	stream   func(ctx context.Context)
}

// initializeSystem loads the environment and brings up logging and tracing.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("AGENT_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// initializeExchange picks the venue adapter for the configured mode and
// wraps it with observability middleware.
func initializeExchange(ctx context.Context, cfg *store.Config) (interfaces.Exchange, error) {
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - orders are simulated")
		seed := time.Now().UnixNano()
		if v := os.Getenv("PAPER_SEED"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				seed = n
			}
		}
		return exchangeobs.Wrap(paper.New(cfg.Universe, 10000, seed)), nil
	}

	client, err := hyperliquid.New()
	if err != nil {
		return nil, err
	}
	return exchangeobs.Wrap(client), nil
}

// initializeProducer builds one opinion producer for a role, with the noop
// fallback when no provider is configured.
func initializeProducer(ctx context.Context, cfg *store.Config, role types.Producer, provider, model string) interfaces.OpinionProducer {
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second

	var p interfaces.OpinionProducer
	switch provider {
	case "OPENAI":
		p = openai.New(role, model, cfg.LLM.MaxTokens, cfg.LLM.Temperature, timeout)
	case "CLAUDE":
		p = claude.New(role, model, cfg.LLM.MaxTokens, cfg.LLM.Temperature, timeout)
	default:
		p = noop.New(role)
		logger.Warn(ctx, "No provider configured - using noop producer (always HOLD)",
			"role", string(role))
	}
	return opinionobs.Wrap(p)
}

// buildAgent wires every component and returns the assembled agent.
func buildAgent(ctx context.Context, cfg *store.Config) (*agent, error) {
	exchange, err := initializeExchange(ctx, cfg)
	if err != nil {
		return nil, err
	}

	archiveStore := archive.New(os.Getenv("AGENT_ARCHIVE_DIR"))
	if v := os.Getenv("AGENT_ARCHIVE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if err := archiveStore.CompressOlder(n); err != nil {
				logger.Warn(ctx, "Failed to compress old archive files", "error", err)
			}
		}
	}

	metaStore := meta.NewStore(exchange,
		time.Duration(cfg.Meta.RefreshSeconds)*time.Second,
		time.Duration(cfg.Meta.StaleAfterSeconds)*time.Second)
	if err := metaStore.Refresh(ctx); err != nil {
		logger.Warn(ctx, "Initial metadata refresh failed, entries will load lazily", "error", err)
	}

	cache := marketdata.NewCache(exchange,
		func(tf types.Timeframe) time.Duration { return cfg.CacheTTL(string(tf)) },
		cfg.Cache.VolatilityThresholdPct,
		time.Duration(cfg.Cache.VolatilityWindowSeconds)*time.Second)

	riskCtl := risk.NewController(risk.Config{
		MaxPositionPct: cfg.Risk.MaxPositionPct,
		MaxDrawdownPct: cfg.Risk.MaxDrawdownPct,
		Retries:        cfg.Risk.SafetyRetries,
		RetryBackoff:   time.Duration(cfg.Risk.SafetyRetryBackoff) * time.Millisecond,
	}, exchange)

	sizer := sizing.New(metaStore)
	registry := exitplan.NewRegistry(archiveStore)
	pipeline := exec.NewPipeline(exchange, sizer, registry, archiveStore)
	gate := approval.NewGate(cfg.Approval.AutoApproveUSD, cfg.ApprovalDeadline(),
		approval.NewConsoleChannel(), archiveStore)

	analyst := initializeProducer(ctx, cfg, types.ProducerAnalyst, cfg.LLM.AnalystProvider, cfg.LLM.AnalystModel)
	riskProducer := initializeProducer(ctx, cfg, types.ProducerRisk, cfg.LLM.RiskProvider, cfg.LLM.RiskModel)

	monitor := exitplan.NewMonitor(registry, exchange, cfg.MonitorInterval(), cache.ObservePrice)

	eng := engine.New(cfg, exchange, cache, metaStore, analyst, riskProducer,
		riskCtl, gate, pipeline, archiveStore)
	sched := engine.NewScheduler(cfg, engineobs.Wrap(eng), riskCtl, monitor)

	a := &agent{
		cfg:      cfg,
		api:      api.NewServer(cfg, gate, riskCtl, registry, eng, cache),
		archive:  archiveStore,
		sched:    sched,
		monitor:  monitor,
		metaLoop: metaStore.Run,
	}

	if cfg.Mode != "DRY_RUN" {
		stream := hyperliquid.NewStream(cfg.Universe, cache.ObservePrice)
		a.stream = stream.Run
	}
	return a, nil
}

// start launches every background loop. The scheduler is one of them; main
// blocks on signals, not on the scheduler.
func (a *agent) start(ctx context.Context) {
	go a.metaLoop(ctx)
	go a.monitor.Run(ctx)
	go a.sched.Run(ctx)
	go eod.Run(ctx, a.archive, archiveRetentionDays())
	if a.stream != nil {
		go a.stream(ctx)
	}
	go func() {
		if err := a.api.Start(ctx); err != nil {
			logger.ErrorWithErr(ctx, "API server failed", err)
		}
	}()
}

func archiveRetentionDays() int {
	if v := os.Getenv("AGENT_ARCHIVE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 30
}
