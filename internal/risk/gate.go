// FILE: gate.go
// Package risk – Account and session policy for new intents.
//
// Check runs a fixed sequence and stops at the first failure. Nothing is
// cached between intents; every input is re-read by the caller.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/scalper/internal/broker"
)

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDailyLimit         Reason = "daily_limit"
	ReasonSpread             Reason = "spread"
	ReasonAccountUnavailable Reason = "account_unavailable"
	ReasonConsecutiveLosses  Reason = "consecutive_losses"
	ReasonSession            Reason = "session"
	ReasonDrawdown           Reason = "drawdown"
	ReasonDailyLoss          Reason = "daily_loss"
)

// Limits is the risk policy. A zero MaxDailyLossPct disables the daily-loss breaker.
type Limits struct {
	MaxTradesPerDay      int
	MaxSpreadPoints      float64
	MaxConsecutiveLosses int
	MaxDrawdownPct       float64
	MaxDailyLossPct      float64
}

// SessionClock reports whether trading is allowed at t.
type SessionClock interface {
	Open(t time.Time) bool
}

// Input is one intent's risk context.
type Input struct {
	State        State
	SpreadPoints float64
	Account      *broker.Account
	Now          time.Time
}

// Verdict is the outcome of Check.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

func reject(r Reason, format string, args ...any) Verdict {
	return Verdict{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Gate applies Limits.
type Gate struct {
	limits  Limits
	session SessionClock
}

// NewGate returns a gate. A nil session is always open.
func NewGate(l Limits, s SessionClock) *Gate {
	return &Gate{limits: l, session: s}
}

// Limits returns the active policy.
func (g *Gate) Limits() Limits { return g.limits }

// Check evaluates, in order: daily trade count, spread, account, loss streak,
// session, drawdown, daily loss.
func (g *Gate) Check(in Input) Verdict {
	l := g.limits
	if in.State.DailyTrades >= l.MaxTradesPerDay {
		return reject(ReasonDailyLimit, "daily limit: %d/%d trades", in.State.DailyTrades, l.MaxTradesPerDay)
	}
	if in.SpreadPoints > l.MaxSpreadPoints {
		return reject(ReasonSpread, "spread %.0f > %.0f points", in.SpreadPoints, l.MaxSpreadPoints)
	}
	acct := in.Account
	if acct == nil || acct.Balance <= 0 || acct.Equity <= 0 {
		return reject(ReasonAccountUnavailable, "account balance/equity not available")
	}
	if in.State.ConsecutiveLosses >= l.MaxConsecutiveLosses {
		return reject(ReasonConsecutiveLosses, "%d consecutive losses (max %d)", in.State.ConsecutiveLosses, l.MaxConsecutiveLosses)
	}
	if g.session != nil && !g.session.Open(in.Now) {
		return reject(ReasonSession, "outside trading session at %s", in.Now.Format("15:04"))
	}
	drawdown := (acct.Balance - acct.Equity) / acct.Balance * 100
	if drawdown >= l.MaxDrawdownPct {
		return reject(ReasonDrawdown, "drawdown %.2f%% >= %.2f%%", drawdown, l.MaxDrawdownPct)
	}
	if l.MaxDailyLossPct > 0 {
		floor := decimal.NewFromFloat(acct.Balance).
			Mul(decimal.NewFromFloat(l.MaxDailyLossPct)).
			Div(decimal.NewFromInt(100)).
			Neg()
		if in.State.DailyPnL.LessThanOrEqual(floor) {
			return reject(ReasonDailyLoss, "daily pnl %s <= %s", in.State.DailyPnL.StringFixed(2), floor.StringFixed(2))
		}
	}
	return Verdict{Allowed: true}
}
