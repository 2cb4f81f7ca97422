// FILE: env.go
// Package config – Environment helpers.
//
// Small helpers to read environment variables with sane defaults (strings,
// ints, floats, bools, millisecond durations) and applyEnv, which overlays
// every UNPREFIXED key onto a Config. The current value of each field is the
// default, so an unset key leaves YAML or compiled defaults in place.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// --------- Env helpers ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
func getEnvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

// getEnvMs reads a whole number of milliseconds.
func getEnvMs(key string, def time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// getEnvList reads a comma-separated list.
func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnv overlays environment keys onto c.
func (c *Config) applyEnv() {
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.HTTPAddr = getEnv("HTTP_ADDR", c.App.HTTPAddr)
	c.App.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.App.AllowedOrigins)
	c.App.ControlToken = getEnv("CONTROL_TOKEN", c.App.ControlToken)
	if port := getEnvInt("PORT", 0); port > 0 {
		c.App.HTTPAddr = ":" + strconv.Itoa(port)
	}

	c.Venue.Kind = getEnv("VENUE", c.Venue.Kind)
	c.Venue.BridgeURL = getEnv("BRIDGE_URL", c.Venue.BridgeURL)
	c.Venue.Timeout = getEnvMs("BRIDGE_TIMEOUT_MS", c.Venue.Timeout)
	c.Venue.RequestsPerSecond = getEnvFloat("BRIDGE_RPS", c.Venue.RequestsPerSecond)
	c.Venue.PaperBalance = getEnvFloat("PAPER_BALANCE", c.Venue.PaperBalance)
	c.Venue.PaperRequireFill = getEnv("PAPER_REQUIRE_FILL", c.Venue.PaperRequireFill)

	s := &c.Strategy
	s.Symbol = getEnv("SYMBOL", s.Symbol)
	s.FastTF = getEnv("FAST_TF", s.FastTF)
	s.SlowTF = getEnv("SLOW_TF", s.SlowTF)
	s.Bars = getEnvInt("BARS", s.Bars)
	s.Periods.Fast = getEnvInt("EMA_FAST", s.Periods.Fast)
	s.Periods.Medium = getEnvInt("EMA_MEDIUM", s.Periods.Medium)
	s.Periods.Slow = getEnvInt("EMA_SLOW", s.Periods.Slow)
	s.Periods.RSI = getEnvInt("RSI_PERIOD", s.Periods.RSI)
	s.Periods.ATR = getEnvInt("ATR_PERIOD", s.Periods.ATR)
	s.MinTrendGap = getEnvFloat("MIN_TREND_GAP", s.MinTrendGap)
	s.MinATRPoints = getEnvFloat("MIN_ATR_POINTS", s.MinATRPoints)
	s.MinConfidence = getEnvFloat("MIN_CONFIDENCE", s.MinConfidence)
	s.Sessions = getEnvList("SESSIONS", s.Sessions)
	s.Timezone = getEnv("TIMEZONE", s.Timezone)
	s.Cooldown = time.Duration(getEnvInt("COOLDOWN_SEC", int(s.Cooldown/time.Second))) * time.Second

	r := &c.Risk
	r.RiskPercent = getEnvFloat("RISK_PERCENT", r.RiskPercent)
	r.MaxTradesPerDay = getEnvInt("MAX_TRADES_PER_DAY", r.MaxTradesPerDay)
	r.MaxSpreadPoints = getEnvFloat("MAX_SPREAD_POINTS", r.MaxSpreadPoints)
	r.MaxConsecutiveLosses = getEnvInt("MAX_CONSECUTIVE_LOSSES", r.MaxConsecutiveLosses)
	r.MaxDrawdownPct = getEnvFloat("MAX_DRAWDOWN_PCT", r.MaxDrawdownPct)
	r.MaxDailyLossPct = getEnvFloat("MAX_DAILY_LOSS_PCT", r.MaxDailyLossPct)

	e := &c.Exits
	e.Mode = strings.ToLower(getEnv("EXIT_MODE", e.Mode))
	e.MinStopPoints = getEnvFloat("MIN_SL_POINTS", e.MinStopPoints)
	e.SLMultiplier = getEnvFloat("SL_MULTIPLIER", e.SLMultiplier)
	e.RiskReward = getEnvFloat("RISK_REWARD", e.RiskReward)
	e.SLPoints = getEnvFloat("SL_POINTS", e.SLPoints)
	e.TPPoints = getEnvFloat("TP_POINTS", e.TPPoints)
	e.SLPips = getEnvFloat("SL_PIPS", e.SLPips)
	e.TPPips = getEnvFloat("TP_PIPS", e.TPPips)
	e.SLPercent = getEnvFloat("SL_PERCENT", e.SLPercent)
	e.TPPercent = getEnvFloat("TP_PERCENT", e.TPPercent)

	x := &c.Execution
	x.Shadow = getEnvBool("SHADOW_MODE", x.Shadow)
	x.Deviation = getEnvInt("DEVIATION", x.Deviation)
	x.Magic = getEnvInt64("MAGIC", x.Magic)
	x.MaxAttempts = getEnvInt("MAX_ATTEMPTS", x.MaxAttempts)
	x.Backoff = getEnvMs("RETRY_BACKOFF_MS", x.Backoff)
	x.Fills = getEnvList("FILL_POLICIES", x.Fills)
	x.PollInterval = getEnvMs("POLL_INTERVAL_MS", x.PollInterval)
	x.ErrorBackoff = getEnvMs("ERROR_BACKOFF_MS", x.ErrorBackoff)
	x.MaxDataFailures = getEnvInt("MAX_DATA_FAILURES", x.MaxDataFailures)

	c.Audit.CSVPath = getEnv("AUDIT_CSV", c.Audit.CSVPath)
	c.Audit.SQLitePath = getEnv("AUDIT_SQLITE", c.Audit.SQLitePath)
}
