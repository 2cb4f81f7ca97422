// FILE: cycle.go
// Package engine – One polling cycle.
//
// cycle returns the delay before the next one: PollInterval after a normal
// pass (including abstentions), ErrorBackoff after a data/adapter error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/execution"
	"github.com/chidi150c/scalper/internal/indicator"
	"github.com/chidi150c/scalper/internal/metrics"
	"github.com/chidi150c/scalper/internal/risk"
	"github.com/chidi150c/scalper/internal/sizing"
	"github.com/chidi150c/scalper/internal/strategy"
)

func (e *Engine) cycle(ctx context.Context) time.Duration {
	e.mu.RLock()
	cfg, eval, rg, sizer, inst := e.cfg, e.eval, e.riskGate, e.sizer, e.instrument
	e.mu.RUnlock()
	poll, backoff := cfg.Execution.PollInterval, cfg.Execution.ErrorBackoff
	symbol := cfg.Strategy.Symbol
	now := e.now()

	if e.exec.Rollover(now) {
		e.log.Info().Time("day", now).Msg("new trading day, risk counters reset")
		e.publish(EventRisk, e.exec.RiskState())
	}

	// 1) market data
	if inst == nil {
		in, err := e.venue.GetInstrument(ctx, symbol)
		if err != nil {
			return e.dataFailure(ctx, "instrument", err, backoff)
		}
		inst = in
		e.mu.Lock()
		e.instrument = in
		e.mu.Unlock()
	}
	q, err := e.venue.GetQuote(ctx, symbol)
	if err != nil {
		return e.dataFailure(ctx, "quote", err, backoff)
	}
	fastBars, err := e.venue.GetBars(ctx, symbol, cfg.FastTF(), cfg.Strategy.Bars)
	if err != nil {
		return e.dataFailure(ctx, "bars "+cfg.Strategy.FastTF, err, backoff)
	}
	slowBars, err := e.venue.GetBars(ctx, symbol, cfg.SlowTF(), cfg.Strategy.Bars)
	if err != nil {
		return e.dataFailure(ctx, "bars "+cfg.Strategy.SlowTF, err, backoff)
	}
	e.markConnected()

	spread := q.SpreadPoints(inst.Point)
	metrics.SetSpread(spread)
	e.mu.Lock()
	e.snap.Quote, e.snap.SpreadPoints, e.snap.UpdatedAt = q, spread, now
	e.mu.Unlock()
	e.publish(EventMarket, MarketData{Symbol: symbol, Quote: *q, SpreadPoints: spread})

	// 2) indicators
	fast, err := indicator.Build(fastBars, cfg.Strategy.Periods, cfg.FastTF())
	if err != nil {
		e.abstain("indicator", string(strategy.ReasonInsufficientData), fmt.Sprintf("%s: %v (%d bars)", cfg.FastTF(), err, len(fastBars)))
		return poll
	}
	slow, err := indicator.Build(slowBars, cfg.Strategy.Periods, cfg.SlowTF())
	if err != nil {
		e.abstain("indicator", string(strategy.ReasonInsufficientData), fmt.Sprintf("%s: %v (%d bars)", cfg.SlowTF(), err, len(slowBars)))
		return poll
	}
	e.mu.Lock()
	e.snap.Fast, e.snap.Slow = &fast, &slow
	e.mu.Unlock()
	e.publish(EventIndicators, map[string]indicator.Snapshot{"fast": fast, "slow": slow})

	// 3) positions + account
	if positions, err := e.venue.GetOpenPositions(ctx, symbol); err != nil {
		e.log.Warn().Err(err).Msg("positions refresh failed")
	} else {
		if closed := e.exec.Reconcile(ctx, positions, q, inst); len(closed) > 0 {
			e.publish(EventRisk, e.exec.RiskState())
		}
		e.mu.Lock()
		e.snap.Positions = positions
		e.mu.Unlock()
		e.publish(EventPositions, positions)
	}
	acct, err := e.venue.GetAccount(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("account refresh failed")
		acct = nil
	} else {
		metrics.SetAccount(acct.Balance, acct.Equity)
		e.mu.Lock()
		e.snap.Account = acct
		e.mu.Unlock()
		e.publish(EventAccount, *acct)
	}

	// 4) decision pipeline
	if !e.gate.Fresh(fast.BarTime) {
		metrics.IncAbstention("signal", "same_bar")
		metrics.IncCycle("abstain")
		e.log.Debug().Str("stage", "signal").Str("reason", "same_bar").Time("bar", fast.BarTime).Msg("bar already traded")
		return poll
	}
	dec := eval.Evaluate(strategy.Input{Fast: fast, Slow: slow, Quote: *q, Point: inst.Point, Now: now})
	if dec.Abstained() {
		e.abstain("strategy", string(dec.Reason), dec.Detail)
		return poll
	}
	intent := *dec.Intent
	metrics.IncIntent(string(intent.Side))
	e.publish(EventIntent, intent)

	if ok, reason := e.gate.Admit(intent); !ok {
		e.abstain("signal", string(reason), "intent suppressed by signal gate")
		return poll
	}
	verdict := rg.Check(risk.Input{State: e.exec.RiskState(), SpreadPoints: intent.SpreadPoints, Account: acct, Now: now})
	if !verdict.Allowed {
		e.abstain("risk", string(verdict.Reason), verdict.Detail)
		return poll
	}
	plan, err := sizer.Plan(sizing.Input{
		Side:       intent.Side,
		Entry:      intent.EntryPrice,
		ATR:        intent.ATR,
		Confidence: intent.Confidence,
		Balance:    acct.Balance,
		Instrument: inst,
	})
	if err != nil {
		e.abstain("sizing", "sizing_error", err.Error())
		return poll
	}

	// 5) execution
	out, err := e.exec.Execute(ctx, execution.Ticket{Intent: intent, Plan: plan})
	if errors.Is(err, execution.ErrBusy) {
		e.abstain("execution", "busy", err.Error())
		return poll
	}
	e.mu.Lock()
	e.snap.LastOutcome = &out
	e.mu.Unlock()
	e.publish(EventExecution, out)
	e.publish(EventRisk, e.exec.RiskState())
	if err != nil {
		metrics.IncCycle("error")
		e.log.Error().Err(err).Msg("order transport failed")
		e.publishLog(zerolog.ErrorLevel, "execution", "transport", err.Error())
		return backoff
	}
	metrics.IncCycle("ok")
	return poll
}

// abstain leaves the observable trace every skipped cycle must have.
func (e *Engine) abstain(stage, reason, detail string) {
	metrics.IncAbstention(stage, reason)
	metrics.IncCycle("abstain")
	e.mu.Lock()
	e.snap.LastReason = reason
	e.mu.Unlock()
	e.log.Info().Str("stage", stage).Str("reason", reason).Msg(detail)
	e.publishLog(zerolog.InfoLevel, stage, reason, detail)
}

// dataFailure counts adapter errors toward DISCONNECTED. ErrNoData backs off
// without counting.
func (e *Engine) dataFailure(ctx context.Context, what string, err error, backoff time.Duration) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	metrics.IncCycle("data_error")
	if errors.Is(err, broker.ErrNoData) {
		e.log.Warn().Str("reason", "no_data").Str("what", what).Msg(err.Error())
		e.publishLog(zerolog.WarnLevel, "data", "no_data", what+": "+err.Error())
		return backoff
	}

	e.mu.Lock()
	e.failures++
	n, limit := e.failures, e.cfg.Execution.MaxDataFailures
	e.mu.Unlock()
	e.log.Error().Err(err).Str("what", what).Int("consecutive", n).Msg("venue request failed")
	e.publishLog(zerolog.ErrorLevel, "data", "venue_error", what+": "+err.Error())
	if n < limit {
		return backoff
	}

	e.setStatus(StatusDisconnected)
	rc, ok := e.venue.(broker.Reconnector)
	if !ok {
		return backoff
	}
	if err := rc.Reconnect(ctx); err != nil {
		e.log.Warn().Err(err).Msg("reconnect failed")
		return backoff
	}
	e.log.Info().Msg("venue reconnected")
	return backoff
}
