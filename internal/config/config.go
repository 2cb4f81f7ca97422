// FILE: config.go
// Package config – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the engine uses), the
// canonical defaults, and Load, which layers sources lowest-precedence first:
//
//	Default() → YAML file (optional) → .env file (optional) → process env
//
// The .env file never overrides variables already present in the process
// environment. Every knob can be set from an UNPREFIXED env key (see env.go).
//
// Typical flow (see cmd/scalper/main.go):
//
//	cfg, err := config.Load(*configPath, *envFile)
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/execution"
	"github.com/chidi150c/scalper/internal/indicator"
	"github.com/chidi150c/scalper/internal/risk"
	"github.com/chidi150c/scalper/internal/sizing"
	"github.com/chidi150c/scalper/internal/strategy"
)

// App holds process-level settings.
type App struct {
	Name        string `yaml:"name"`
	LogLevel    string `yaml:"log_level"`
	HTTPAddr    string `yaml:"http_addr"`
	EventBuffer int    `yaml:"event_buffer"`
	// AllowedOrigins lists scheme://host origins accepted on /events and on
	// the control routes. Empty means same-origin only for control routes.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ControlToken, when set, must accompany every mutating HTTP request.
	ControlToken string `yaml:"control_token" json:"-"`
}

// Venue selects and tunes the trade-execution venue.
type Venue struct {
	Kind              string        `yaml:"kind"` // bridge | paper
	BridgeURL         string        `yaml:"bridge_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	ReadRetries       int           `yaml:"read_retries"`
	PaperBalance      float64       `yaml:"paper_balance"`
	PaperCurrency     string        `yaml:"paper_currency"`
	PaperRequireFill  string        `yaml:"paper_require_fill"`
}

// Strategy groups the evaluator knobs.
type Strategy struct {
	Symbol            string            `yaml:"symbol"`
	FastTF            string            `yaml:"fast_tf"`
	SlowTF            string            `yaml:"slow_tf"`
	Bars              int               `yaml:"bars"`
	Periods           indicator.Periods `yaml:"periods"`
	MinTrendGap       float64           `yaml:"min_trend_gap"`
	MinATRPoints      float64           `yaml:"min_atr_points"`
	BaseConfidence    float64           `yaml:"base_confidence"`
	ContinuationBonus float64           `yaml:"continuation_bonus"`
	MinConfidence     float64           `yaml:"min_confidence"`
	BuyRSIMin         float64           `yaml:"buy_rsi_min"`
	BuyRSIMax         float64           `yaml:"buy_rsi_max"`
	SellRSIMin        float64           `yaml:"sell_rsi_min"`
	SellRSIMax        float64           `yaml:"sell_rsi_max"`
	Sessions          []string          `yaml:"sessions"`
	Timezone          string            `yaml:"timezone"`
	Cooldown          time.Duration     `yaml:"cooldown"`
}

// Risk is the account/session policy.
type Risk struct {
	RiskPercent          float64 `yaml:"risk_percent"`
	MaxTradesPerDay      int     `yaml:"max_trades_per_day"`
	MaxSpreadPoints      float64 `yaml:"max_spread_points"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
}

// Exits selects the exit-price mode and its parameters.
type Exits struct {
	Mode            string  `yaml:"mode"` // atr | points | pips | percent
	MinStopPoints   float64 `yaml:"min_stop_points"`
	SLMultiplier    float64 `yaml:"sl_multiplier"`
	RiskReward      float64 `yaml:"risk_reward"`
	AdaptConfidence float64 `yaml:"adapt_confidence"`
	AdaptSLFactor   float64 `yaml:"adapt_sl_factor"`
	AdaptRRFactor   float64 `yaml:"adapt_rr_factor"`
	SLPoints        float64 `yaml:"sl_points"`
	TPPoints        float64 `yaml:"tp_points"`
	SLPips          float64 `yaml:"sl_pips"`
	TPPips          float64 `yaml:"tp_pips"`
	SLPercent       float64 `yaml:"sl_percent"`
	TPPercent       float64 `yaml:"tp_percent"`
}

// Execution controls order building, retries and the polling cadence.
type Execution struct {
	Shadow          bool          `yaml:"shadow"`
	Deviation       int           `yaml:"deviation"`
	Magic           int64         `yaml:"magic"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	Fills           []string      `yaml:"fills"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	MaxDataFailures int           `yaml:"max_data_failures"`
}

// Audit names the sinks. Empty paths disable a sink.
type Audit struct {
	CSVPath    string `yaml:"csv_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Config holds all runtime knobs for trading and operations.
type Config struct {
	App       App       `yaml:"app"`
	Venue     Venue     `yaml:"venue"`
	Strategy  Strategy  `yaml:"strategy"`
	Risk      Risk      `yaml:"risk"`
	Exits     Exits     `yaml:"exits"`
	Execution Execution `yaml:"execution"`
	Audit     Audit     `yaml:"audit"`
}

// Default returns the canonical configuration. Shadow mode is on.
func Default() Config {
	return Config{
		App: App{Name: "scalper", LogLevel: "info", HTTPAddr: ":8080", EventBuffer: 256},
		Venue: Venue{
			Kind:              "bridge",
			BridgeURL:         "http://127.0.0.1:8787",
			Timeout:           5 * time.Second,
			RequestsPerSecond: 20,
			ReadRetries:       2,
			PaperBalance:      10000,
			PaperCurrency:     "USD",
		},
		Strategy: Strategy{
			Symbol:            "XAUUSD",
			FastTF:            string(broker.M1),
			SlowTF:            string(broker.M5),
			Bars:              200,
			Periods:           indicator.Periods{Fast: 9, Medium: 21, Slow: 50, RSI: 14, ATR: 14},
			MinATRPoints:      20,
			BaseConfidence:    75,
			ContinuationBonus: 10,
			MinConfidence:     70,
			BuyRSIMin:         45,
			BuyRSIMax:         70,
			SellRSIMin:        30,
			SellRSIMax:        55,
			Sessions:          []string{"08:00-22:00"},
			Timezone:          "UTC",
			Cooldown:          30 * time.Second,
		},
		Risk: Risk{
			RiskPercent:          0.5,
			MaxTradesPerDay:      15,
			MaxSpreadPoints:      30,
			MaxConsecutiveLosses: 3,
			MaxDrawdownPct:       3,
			MaxDailyLossPct:      2,
		},
		Exits: Exits{
			Mode:          string(sizing.ModeATR),
			MinStopPoints: 150,
			SLMultiplier:  1.5,
			RiskReward:    2.0,
			AdaptSLFactor: 1,
			AdaptRRFactor: 1,
			SLPoints:      150,
			TPPoints:      300,
			SLPips:        15,
			TPPips:        30,
			SLPercent:     0.5,
			TPPercent:     1.0,
		},
		Execution: Execution{
			Shadow:          true,
			Deviation:       20,
			Magic:           987654321,
			MaxAttempts:     3,
			Backoff:         500 * time.Millisecond,
			Fills:           []string{string(broker.FillIOC), string(broker.FillFOK), string(broker.FillReturn)},
			PollInterval:    500 * time.Millisecond,
			ErrorBackoff:    2 * time.Second,
			MaxDataFailures: 3,
		},
		Audit: Audit{CSVPath: "logs/trades.csv"},
	}
}

// Load builds a Config from defaults, an optional YAML file, an optional .env
// file and the process environment, then validates it.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readYAML(path); err != nil {
			return Config{}, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readYAML(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// Overlay decodes a YAML (or JSON) document over a copy of c. Keys absent
// from the document keep their current values. The result is not validated.
func (c Config) Overlay(r io.Reader) (Config, error) {
	out := c
	out.Strategy.Sessions = append([]string(nil), c.Strategy.Sessions...)
	out.Execution.Fills = append([]string(nil), c.Execution.Fills...)
	out.App.AllowedOrigins = append([]string(nil), c.App.AllowedOrigins...)
	if err := yaml.NewDecoder(r).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, errors.New("decode config: empty document")
		}
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

// Validate rejects configurations the engine must not run with.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Strategy.Symbol) == "" {
		add("strategy.symbol is required")
	}
	for _, tf := range []string{c.Strategy.FastTF, c.Strategy.SlowTF} {
		if broker.Timeframe(tf).Duration() == 0 {
			add("unknown timeframe %q", tf)
		}
	}
	p := c.Strategy.Periods
	if !(p.Fast > 0 && p.Fast < p.Medium && p.Medium < p.Slow) {
		add("ema periods must be strictly increasing (got %d/%d/%d)", p.Fast, p.Medium, p.Slow)
	}
	if p.RSI < 2 || p.ATR < 2 {
		add("rsi and atr periods must be >= 2")
	}
	if c.Strategy.Bars < p.WarmUp() {
		add("strategy.bars %d below warm-up %d", c.Strategy.Bars, p.WarmUp())
	}
	if !(c.Strategy.BuyRSIMin >= 0 && c.Strategy.BuyRSIMin < c.Strategy.BuyRSIMax && c.Strategy.BuyRSIMax <= 100) ||
		!(c.Strategy.SellRSIMin >= 0 && c.Strategy.SellRSIMin < c.Strategy.SellRSIMax && c.Strategy.SellRSIMax <= 100) {
		add("rsi bands must satisfy 0 <= min < max <= 100")
	}
	if c.Strategy.Cooldown < 0 {
		add("strategy.cooldown must be >= 0")
	}
	if _, err := c.Session(); err != nil {
		add("strategy.sessions: %v", err)
	}
	if !(c.Risk.RiskPercent > 0 && c.Risk.RiskPercent <= 10) {
		add("risk.risk_percent must be in (0, 10], got %v", c.Risk.RiskPercent)
	}
	if c.Risk.MaxSpreadPoints <= 0 {
		add("risk.max_spread_points must be positive")
	}
	if c.Risk.MaxTradesPerDay < 1 || c.Risk.MaxConsecutiveLosses < 1 {
		add("risk.max_trades_per_day and risk.max_consecutive_losses must be >= 1")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDailyLossPct < 0 {
		add("risk.max_drawdown_pct must be positive and max_daily_loss_pct non-negative")
	}
	if !sizing.Mode(c.Exits.Mode).Valid() {
		add("exits.mode %q not one of atr|points|pips|percent", c.Exits.Mode)
	}
	if c.Execution.MaxAttempts < 1 || c.Execution.MaxAttempts > 5 {
		add("execution.max_attempts must be in [1, 5]")
	}
	if _, err := c.fills(); err != nil {
		add("execution.fills: %v", err)
	}
	if _, err := c.PaperRequireFill(); err != nil {
		add("venue.paper_require_fill: %v", err)
	}
	for _, o := range c.App.AllowedOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			add("app.allowed_origins: %q is not scheme://host", o)
		}
	}
	if c.Execution.PollInterval <= 0 || c.Execution.ErrorBackoff <= 0 {
		add("execution.poll_interval and error_backoff must be positive")
	}
	if c.Execution.MaxDataFailures < 1 {
		add("execution.max_data_failures must be >= 1")
	}
	switch c.Venue.Kind {
	case "bridge", "paper":
	default:
		add("venue.kind %q not one of bridge|paper", c.Venue.Kind)
	}
	return errors.Join(errs...)
}

// FastTF and SlowTF return the configured timeframes.
func (c Config) FastTF() broker.Timeframe { return broker.Timeframe(c.Strategy.FastTF) }
func (c Config) SlowTF() broker.Timeframe { return broker.Timeframe(c.Strategy.SlowTF) }

// Session parses the trading windows in the configured timezone.
func (c Config) Session() (strategy.Session, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(c.Strategy.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return strategy.Session{}, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	return strategy.ParseSession(c.Strategy.Sessions, loc)
}

// StrategyParams maps the strategy section. Spread is shared with the risk gate.
func (c Config) StrategyParams() strategy.Params {
	s := c.Strategy
	return strategy.Params{
		MaxSpreadPoints:   c.Risk.MaxSpreadPoints,
		MinATRPoints:      s.MinATRPoints,
		MinTrendGap:       s.MinTrendGap,
		BaseConfidence:    s.BaseConfidence,
		ContinuationBonus: s.ContinuationBonus,
		MinConfidence:     s.MinConfidence,
		BuyRSIMin:         s.BuyRSIMin,
		BuyRSIMax:         s.BuyRSIMax,
		SellRSIMin:        s.SellRSIMin,
		SellRSIMax:        s.SellRSIMax,
	}
}

func (c Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxTradesPerDay:      c.Risk.MaxTradesPerDay,
		MaxSpreadPoints:      c.Risk.MaxSpreadPoints,
		MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
		MaxDrawdownPct:       c.Risk.MaxDrawdownPct,
		MaxDailyLossPct:      c.Risk.MaxDailyLossPct,
	}
}

func (c Config) SizingParams() sizing.Params {
	e := c.Exits
	return sizing.Params{
		Mode:            sizing.Mode(e.Mode),
		RiskPercent:     c.Risk.RiskPercent,
		MinStopPoints:   e.MinStopPoints,
		SLMultiplier:    e.SLMultiplier,
		RiskReward:      e.RiskReward,
		AdaptConfidence: e.AdaptConfidence,
		AdaptSLFactor:   e.AdaptSLFactor,
		AdaptRRFactor:   e.AdaptRRFactor,
		SLPoints:        e.SLPoints,
		TPPoints:        e.TPPoints,
		SLPips:          e.SLPips,
		TPPips:          e.TPPips,
		SLPercent:       e.SLPercent,
		TPPercent:       e.TPPercent,
	}
}

func parseFill(f string) (broker.FillPolicy, error) {
	fp := broker.FillPolicy(strings.ToUpper(strings.TrimSpace(f)))
	switch fp {
	case broker.FillIOC, broker.FillFOK, broker.FillReturn:
		return fp, nil
	}
	return "", fmt.Errorf("unknown fill policy %q", f)
}

func (c Config) fills() ([]broker.FillPolicy, error) {
	out := make([]broker.FillPolicy, 0, len(c.Execution.Fills))
	for _, f := range c.Execution.Fills {
		fp, err := parseFill(f)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, nil
}

// PaperRequireFill returns the single fill policy the paper venue accepts,
// or "" when it accepts any.
func (c Config) PaperRequireFill() (broker.FillPolicy, error) {
	if strings.TrimSpace(c.Venue.PaperRequireFill) == "" {
		return "", nil
	}
	return parseFill(c.Venue.PaperRequireFill)
}

// ExecutionConfig maps the execution section. Call after Validate.
func (c Config) ExecutionConfig() execution.Config {
	fills, _ := c.fills()
	return execution.Config{
		Symbol:      c.Strategy.Symbol,
		Deviation:   c.Execution.Deviation,
		Magic:       c.Execution.Magic,
		MaxAttempts: c.Execution.MaxAttempts,
		Backoff:     c.Execution.Backoff,
		Fills:       fills,
	}
}
