// FILE: engine.go
// Package engine – Polling loop, command mailbox and copy-on-read state.
//
// Engine owns one background goroutine that, every poll interval:
//   • rolls the risk day over at local midnight
//   • fetches the quote and both bar sets, builds indicator snapshots
//   • refreshes positions/account and reconciles closed positions
//   • runs strategy → signal gate → risk gate → sizing → execution
//
// Presentation-layer commands (CloseAll, UpdateConfig, SetShadowMode) travel
// through a mailbox and run between cycles on the loop goroutine. When the
// loop is not running they are applied directly.
//
// Data/adapter errors back off ErrorBackoff. After MaxDataFailures
// consecutive failures the status turns DISCONNECTED and the venue's
// Reconnect is tried when it has one; the next good cycle restores CONNECTED.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chidi150c/scalper/internal/audit"
	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/config"
	"github.com/chidi150c/scalper/internal/execution"
	"github.com/chidi150c/scalper/internal/indicator"
	"github.com/chidi150c/scalper/internal/metrics"
	"github.com/chidi150c/scalper/internal/risk"
	"github.com/chidi150c/scalper/internal/signal"
	"github.com/chidi150c/scalper/internal/sizing"
	"github.com/chidi150c/scalper/internal/strategy"
)

var (
	ErrNotRunning       = errors.New("engine: not running")
	ErrAlreadyRunning   = errors.New("engine: already running")
	ErrVenueUnavailable = errors.New("engine: venue unavailable")
)

// Status is the connection/lifecycle state shown to operators.
type Status string

const (
	StatusStopped      Status = "STOPPED"
	StatusStarting     Status = "STARTING"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusHalted       Status = "HALTED"
)

// Snapshot is a copy of the engine state, safe to hold after the call.
type Snapshot struct {
	Status       Status              `json:"status"`
	Symbol       string              `json:"symbol"`
	Shadow       bool                `json:"shadow"`
	Quote        *broker.Quote       `json:"quote,omitempty"`
	SpreadPoints float64             `json:"spread_points"`
	Fast         *indicator.Snapshot `json:"fast,omitempty"`
	Slow         *indicator.Snapshot `json:"slow,omitempty"`
	Account      *broker.Account     `json:"account,omitempty"`
	Positions    []broker.Position   `json:"positions"`
	Risk         risk.State          `json:"risk"`
	LastReason   string              `json:"last_reason,omitempty"`
	LastOutcome  *execution.Outcome  `json:"last_outcome,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Option tweaks an Engine at construction.
type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type commandKind int

const (
	cmdCloseAll commandKind = iota
	cmdUpdateConfig
	cmdSetShadow
)

type reply struct {
	report execution.CloseReport
	err    error
}

type command struct {
	kind   commandKind
	cfg    config.Config
	shadow bool
	reply  chan reply
}

// Engine runs the decision/execution loop for one symbol.
type Engine struct {
	venue  broker.Broker
	log    zerolog.Logger
	now    func() time.Time
	exec   *execution.Coordinator
	gate   *signal.Gate
	events chan Event
	cmds   chan command

	mu         sync.RWMutex
	cfg        config.Config
	eval       *strategy.Evaluator
	riskGate   *risk.Gate
	sizer      *sizing.Calculator
	instrument *broker.Instrument
	failures   int
	snap       Snapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires an engine. cfg must already be validated.
func New(venue broker.Broker, sink audit.Sink, cfg config.Config, log zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	buf := cfg.App.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	e := &Engine{
		venue:  venue,
		log:    log.With().Str("component", "engine").Logger(),
		now:    time.Now,
		exec:   execution.New(venue, sink, cfg.ExecutionConfig(), cfg.Execution.Shadow, log),
		gate:   signal.NewGate(cfg.Strategy.Cooldown),
		events: make(chan Event, buf),
		cmds:   make(chan command),
		snap:   Snapshot{Status: StatusStopped},
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.applyConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Events is the outbound queue for the presentation layer.
func (e *Engine) Events() <-chan Event { return e.events }

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	s := e.snap
	e.mu.RUnlock()
	s.Shadow = e.exec.Shadow()
	s.Risk = e.exec.RiskState()
	s.Positions = append([]broker.Position(nil), s.Positions...)
	return s
}

// Config returns the active configuration.
func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// ---- lifecycle ----

// Start verifies the venue and launches the loop. A venue that cannot report
// the account or a tradeable instrument is a hard failure.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done != nil {
		select {
		case <-e.done:
		default:
			return ErrAlreadyRunning
		}
		e.cancel()
	}
	e.setStatus(StatusStarting)
	if err := e.preflight(ctx); err != nil {
		e.setStatus(StatusStopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.markConnected()
	go e.run(runCtx, done)
	return nil
}

func (e *Engine) preflight(ctx context.Context) error {
	cfg := e.Config()
	symbol := cfg.Strategy.Symbol
	acct, err := e.venue.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("%w: account: %v", ErrVenueUnavailable, err)
	}
	in, err := e.venue.GetInstrument(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%w: instrument %s: %v", ErrVenueUnavailable, symbol, err)
	}
	if !in.Tradeable || in.Point <= 0 || in.VolumeMin <= 0 {
		return fmt.Errorf("%w: %s is not tradeable (point %v, min volume %v)", ErrVenueUnavailable, symbol, in.Point, in.VolumeMin)
	}
	if !in.DigitsFitPoint() {
		return fmt.Errorf("%w: %s digits %d cannot express point %v", ErrVenueUnavailable, symbol, in.Digits, in.Point)
	}
	e.exec.Rollover(e.now())

	e.mu.Lock()
	e.instrument = in
	e.snap.Account = acct
	e.mu.Unlock()
	metrics.SetAccount(acct.Balance, acct.Equity)
	e.publish(EventAccount, *acct)

	e.log.Info().Str("venue", e.venue.Name()).Str("symbol", symbol).
		Float64("balance", acct.Balance).Bool("shadow", e.exec.Shadow()).
		Str("fast_tf", string(cfg.FastTF())).Str("slow_tf", string(cfg.SlowTF())).
		Float64("risk_pct", cfg.Risk.RiskPercent).Int("max_trades", cfg.Risk.MaxTradesPerDay).
		Msg("engine started")
	return nil
}

// Stop cancels the loop and waits for it to exit. An in-flight submission
// finishes first.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.runMu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	if e.status() != StatusHalted {
		e.setStatus(StatusStopped)
	}
	e.log.Info().Msg("engine stopped")
	return nil
}

// Running reports whether the loop goroutine is alive.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	done := e.done
	e.runMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Done is closed when the current loop exits; nil when never started.
func (e *Engine) Done() <-chan struct{} {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.done
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			if e.handle(ctx, cmd) {
				return
			}
		case <-timer.C:
			next := e.cycle(ctx)
			if ctx.Err() != nil {
				return
			}
			timer.Reset(next)
		}
	}
}

// ---- mailbox ----

// CloseAll closes every open position on the configured symbol and halts the loop.
func (e *Engine) CloseAll(ctx context.Context) (execution.CloseReport, error) {
	r, err := e.dispatch(ctx, command{kind: cmdCloseAll})
	return r.report, err
}

// UpdateConfig validates cfg and applies it between cycles.
func (e *Engine) UpdateConfig(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r, err := e.dispatch(ctx, command{kind: cmdUpdateConfig, cfg: cfg})
	if err != nil {
		return err
	}
	return r.err
}

// SetShadowMode toggles between logging intents and submitting orders.
func (e *Engine) SetShadowMode(ctx context.Context, on bool) error {
	r, err := e.dispatch(ctx, command{kind: cmdSetShadow, shadow: on})
	if err != nil {
		return err
	}
	return r.err
}

// dispatch hands cmd to the loop, or runs it inline when no loop is alive.
func (e *Engine) dispatch(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	e.runMu.Lock()
	done := e.done
	e.runMu.Unlock()

	if done != nil {
		select {
		case e.cmds <- cmd:
			select {
			case r := <-cmd.reply:
				return r, r.err
			case <-ctx.Done():
				return reply{}, ctx.Err()
			}
		case <-done:
		case <-ctx.Done():
			return reply{}, ctx.Err()
		}
	}
	e.handle(ctx, cmd)
	r := <-cmd.reply
	return r, r.err
}

// handle executes one command and reports whether the loop must halt.
func (e *Engine) handle(ctx context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdUpdateConfig:
		cmd.reply <- reply{err: e.applyConfig(cmd.cfg)}
		return false
	case cmdSetShadow:
		e.exec.SetShadow(cmd.shadow)
		e.mu.Lock()
		e.cfg.Execution.Shadow = cmd.shadow
		e.mu.Unlock()
		e.log.Info().Bool("shadow", cmd.shadow).Msg("shadow mode changed")
		e.publishLog(zerolog.InfoLevel, "command", "", fmt.Sprintf("shadow mode %v", cmd.shadow))
		cmd.reply <- reply{}
		return false
	case cmdCloseAll:
		rep, err := e.closeAll(ctx)
		cmd.reply <- reply{report: rep, err: err}
		return true
	}
	cmd.reply <- reply{err: fmt.Errorf("unknown command %d", cmd.kind)}
	return false
}

func (e *Engine) applyConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sess, err := cfg.Session()
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.cfg.Strategy.Symbol
	e.cfg = cfg
	e.eval = strategy.NewEvaluator(cfg.StrategyParams(), sess)
	e.riskGate = risk.NewGate(cfg.RiskLimits(), sess)
	e.sizer = sizing.NewCalculator(cfg.SizingParams())
	e.snap.Symbol = cfg.Strategy.Symbol
	changed := prev != "" && prev != cfg.Strategy.Symbol
	if changed {
		e.instrument = nil
		e.snap.Quote, e.snap.Fast, e.snap.Slow, e.snap.Positions = nil, nil, nil, nil
	}
	e.mu.Unlock()

	e.gate.SetCooldown(cfg.Strategy.Cooldown)
	e.exec.SetConfig(cfg.ExecutionConfig())
	e.exec.SetShadow(cfg.Execution.Shadow)
	if changed {
		e.gate.Reset()
		e.log.Info().Str("from", prev).Str("to", cfg.Strategy.Symbol).Msg("symbol changed")
	}
	if prev != "" {
		e.publishLog(zerolog.InfoLevel, "command", "", "configuration updated")
	}
	return nil
}

func (e *Engine) closeAll(ctx context.Context) (execution.CloseReport, error) {
	defer e.setStatus(StatusHalted)
	symbol := e.Config().Strategy.Symbol
	positions, err := e.venue.GetOpenPositions(ctx, symbol)
	if err != nil {
		e.log.Error().Err(err).Msg("close-all: list positions failed")
		return execution.CloseReport{}, fmt.Errorf("list positions: %w", err)
	}
	rep, err := e.exec.CloseAll(ctx, positions)
	if err != nil {
		return rep, err
	}
	e.log.Warn().Int("succeeded", rep.Succeeded).Int("failed", rep.Failed).Msg("close-all done, engine halted")
	e.publish(EventCloseAll, rep)
	e.publish(EventRisk, e.exec.RiskState())
	return rep, nil
}

// ---- state helpers ----

func (e *Engine) status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.Status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	prev := e.snap.Status
	e.snap.Status = s
	e.mu.Unlock()
	if prev == s {
		return
	}
	metrics.SetConnected(s == StatusConnected)
	e.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("status")
	e.publish(EventStatus, s)
}

func (e *Engine) markConnected() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	e.setStatus(StatusConnected)
}
