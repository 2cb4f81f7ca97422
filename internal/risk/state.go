// FILE: state.go
// Package risk – Day-scoped risk counters.
//
// State is a value: every transition returns a new State and never mutates
// the receiver. The execution coordinator owns the single live copy and hands
// out copies for display.
//
// Transitions:
//   • Rollover(now)       – resets every counter when the calendar day changed
//   • RecordTrade()       – one more accepted order today
//   • RecordClose(profit) – a position closed; updates daily P&L and the loss streak
package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the risk counter set for one trading day.
type State struct {
	DailyTrades       int             `json:"daily_trades"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	LastReset         time.Time       `json:"last_reset"`
}

// NewState starts a fresh day at now.
func NewState(now time.Time) State {
	return State{LastReset: midnight(now)}
}

// midnight truncates ts to the start of its calendar day in ts's location.
func midnight(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// Rollover returns a reset state when now falls on a later calendar day.
// The bool reports whether a reset happened.
func (s State) Rollover(now time.Time) (State, bool) {
	day := midnight(now)
	if !s.LastReset.IsZero() && !day.After(s.LastReset) {
		return s, false
	}
	return State{LastReset: day}, true
}

// RecordTrade counts one accepted order.
func (s State) RecordTrade() State {
	s.DailyTrades++
	return s
}

// RecordClose books a closed position's profit. A loss extends the streak;
// anything else breaks it.
func (s State) RecordClose(profit float64) State {
	s.DailyPnL = s.DailyPnL.Add(decimal.NewFromFloat(profit))
	if profit < 0 {
		s.ConsecutiveLosses++
	} else {
		s.ConsecutiveLosses = 0
	}
	return s
}
