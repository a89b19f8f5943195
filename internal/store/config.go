package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode     string   `yaml:"mode"` // DRY_RUN or LIVE
	Exchange string   `yaml:"exchange"`
	Universe []string `yaml:"universe"`

	Cycle struct {
		IntervalSeconds         int `yaml:"interval_seconds"`
		EvaluatorTimeoutSeconds int `yaml:"evaluator_timeout_seconds"`
		MonitorIntervalSeconds  int `yaml:"monitor_interval_seconds"`
	} `yaml:"cycle"`

	Cache struct {
		TTLSeconds struct {
			M1 int `yaml:"1m"`
			M5 int `yaml:"5m"`
			H1 int `yaml:"1h"`
			H4 int `yaml:"4h"`
			D1 int `yaml:"1d"`
		} `yaml:"ttl_seconds"`
		VolatilityThresholdPct  float64 `yaml:"volatility_threshold_pct"`
		VolatilityWindowSeconds int     `yaml:"volatility_window_seconds"`
	} `yaml:"cache"`

	Risk struct {
		MaxPositionPct     float64 `yaml:"max_position_pct"`
		MaxDrawdownPct     float64 `yaml:"max_drawdown_pct"`
		SafetyRetries      int     `yaml:"safety_retries"`
		SafetyRetryBackoff int     `yaml:"safety_retry_backoff_ms"`
	} `yaml:"risk"`

	Approval struct {
		AutoApproveUSD  float64 `yaml:"auto_approve_usd"`
		DeadlineSeconds int     `yaml:"deadline_seconds"`
	} `yaml:"approval"`

	DeadMan struct {
		DeadlineSeconds int `yaml:"deadline_seconds"`
	} `yaml:"dead_man"`

	Meta struct {
		RefreshSeconds    int `yaml:"refresh_seconds"`
		StaleAfterSeconds int `yaml:"stale_after_seconds"`
	} `yaml:"meta"`

	LLM struct {
		AnalystProvider string  `yaml:"analyst_provider"`
		AnalystModel    string  `yaml:"analyst_model"`
		RiskProvider    string  `yaml:"risk_provider"`
		RiskModel       string  `yaml:"risk_model"`
		MaxTokens       int     `yaml:"max_tokens"`
		Temperature     float32 `yaml:"temperature"`
		TimeoutSeconds  int     `yaml:"timeout_seconds"`
	} `yaml:"llm"`

	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if len(c.Universe) == 0 {
		return errors.New("universe cannot be empty")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0,1], got %.2f", c.Risk.MaxPositionPct)
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1], got %.2f", c.Risk.MaxDrawdownPct)
	}
	if c.Approval.AutoApproveUSD < 0 {
		return fmt.Errorf("approval.auto_approve_usd cannot be negative, got %.2f", c.Approval.AutoApproveUSD)
	}
	if c.Cache.VolatilityThresholdPct <= 0 {
		return fmt.Errorf("cache.volatility_threshold_pct must be positive, got %.2f", c.Cache.VolatilityThresholdPct)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Cycle.IntervalSeconds == 0 {
		c.Cycle.IntervalSeconds = 180
	}
	if c.Cycle.EvaluatorTimeoutSeconds == 0 {
		c.Cycle.EvaluatorTimeoutSeconds = 60
	}
	if c.Cycle.MonitorIntervalSeconds == 0 {
		c.Cycle.MonitorIntervalSeconds = 30
	}
	// Sub-minute timeframes always refetch; slower timeframes keep a TTL.
	if c.Cache.TTLSeconds.H1 == 0 {
		c.Cache.TTLSeconds.H1 = 300
	}
	if c.Cache.TTLSeconds.H4 == 0 {
		c.Cache.TTLSeconds.H4 = 1200
	}
	if c.Cache.TTLSeconds.D1 == 0 {
		c.Cache.TTLSeconds.D1 = 1800
	}
	if c.Cache.VolatilityThresholdPct == 0 {
		c.Cache.VolatilityThresholdPct = 1.0
	}
	if c.Cache.VolatilityWindowSeconds == 0 {
		c.Cache.VolatilityWindowSeconds = 60
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.75
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 0.50
	}
	if c.Risk.SafetyRetries == 0 {
		c.Risk.SafetyRetries = 3
	}
	if c.Risk.SafetyRetryBackoff == 0 {
		c.Risk.SafetyRetryBackoff = 500
	}
	if c.Approval.AutoApproveUSD == 0 {
		c.Approval.AutoApproveUSD = 100
	}
	if c.Approval.DeadlineSeconds == 0 {
		c.Approval.DeadlineSeconds = 300
	}
	if c.DeadMan.DeadlineSeconds == 0 {
		c.DeadMan.DeadlineSeconds = 600
	}
	if c.Meta.RefreshSeconds == 0 {
		c.Meta.RefreshSeconds = 3600
	}
	if c.Meta.StaleAfterSeconds == 0 {
		c.Meta.StaleAfterSeconds = 2 * c.Meta.RefreshSeconds
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 45
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8787"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

// CycleInterval returns the scheduler interval as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Cycle.IntervalSeconds) * time.Second
}

// EvaluatorTimeout returns the per-evaluator deadline.
func (c *Config) EvaluatorTimeout() time.Duration {
	return time.Duration(c.Cycle.EvaluatorTimeoutSeconds) * time.Second
}

// MonitorInterval returns the fast exit-plan monitor interval.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Cycle.MonitorIntervalSeconds) * time.Second
}

// ApprovalDeadline returns how long an approval request may stay pending.
func (c *Config) ApprovalDeadline() time.Duration {
	return time.Duration(c.Approval.DeadlineSeconds) * time.Second
}

// DeadManDeadline returns the default dead-man's-switch deadline.
func (c *Config) DeadManDeadline() time.Duration {
	return time.Duration(c.DeadMan.DeadlineSeconds) * time.Second
}

// CacheTTL returns the configured TTL for a timeframe key ("1m".."1d").
func (c *Config) CacheTTL(tf string) time.Duration {
	var secs int
	switch tf {
	case "1m":
		secs = c.Cache.TTLSeconds.M1
	case "5m":
		secs = c.Cache.TTLSeconds.M5
	case "1h":
		secs = c.Cache.TTLSeconds.H1
	case "4h":
		secs = c.Cache.TTLSeconds.H4
	case "1d":
		secs = c.Cache.TTLSeconds.D1
	}
	return time.Duration(secs) * time.Second
}
