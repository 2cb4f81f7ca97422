// FILE: strategy.go
// Package strategy – Multi-timeframe decision logic.
//
// This file declares the trading intent produced by the bot, the reason codes
// for abstaining, and the Evaluator that turns a pair of indicator snapshots
// (fast entry timeframe, slow trend timeframe) plus the current quote into
// either an Intent or an abstention.
//
// The decision blends:
//   • A slow-timeframe trend filter (EMA fast > medium > slow, close beyond fast)
//   • A fast-timeframe pullback entry (close between fast and medium EMA)
//   • An RSI band that avoids chasing extremes
//   • A confidence score with a continuation bonus when price already cleared
//     the fast EMA in the trend direction
//
// Checks run in a fixed order and stop at the first failure:
//   spread → session → volatility → trend → entry → confidence
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/indicator"
)

// ReasonCode is the machine-readable cause of an abstention.
type ReasonCode string

const (
	ReasonNone             ReasonCode = ""
	ReasonSpreadTooWide    ReasonCode = "spread_too_wide"
	ReasonOutsideSession   ReasonCode = "outside_session"
	ReasonLowVolatility    ReasonCode = "low_volatility"
	ReasonNoTrend          ReasonCode = "no_trend"
	ReasonNoEntry          ReasonCode = "no_entry"
	ReasonLowConfidence    ReasonCode = "low_confidence"
	ReasonInsufficientData ReasonCode = "insufficient_data"
)

// Trend is the slow-timeframe regime.
type Trend int

const (
	Sideways Trend = iota
	Bullish
	Bearish
)

// String implements fmt.Stringer for pretty logging.
func (t Trend) String() string {
	switch t {
	case Bullish:
		return "BULLISH"
	case Bearish:
		return "BEARISH"
	default:
		return "SIDEWAYS"
	}
}

// Intent is a directional trading intent. It is consumed at most once by the signal gate.
type Intent struct {
	Side         broker.Side        `json:"side"`
	EntryPrice   float64            `json:"entry_price"`
	Confidence   float64            `json:"confidence"`
	ATR          float64            `json:"atr"`
	ATRPoints    float64            `json:"atr_points"`
	SpreadPoints float64            `json:"spread_points"`
	Fast         indicator.Snapshot `json:"fast"`
	Slow         indicator.Snapshot `json:"slow"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// BarTime is the fast-timeframe bar the intent was derived from.
func (i Intent) BarTime() time.Time { return i.Fast.BarTime }

// Decision captures what to do and why.
type Decision struct {
	Intent *Intent
	Reason ReasonCode
	Detail string
}

// Abstained reports whether no intent was produced.
func (d Decision) Abstained() bool { return d.Intent == nil }

// Params tunes the evaluator. RSI bands are exclusive.
type Params struct {
	MaxSpreadPoints   float64
	MinATRPoints      float64
	MinTrendGap       float64 // relative, e.g. 0.0005 = 0.05 %
	BaseConfidence    float64
	ContinuationBonus float64
	MinConfidence     float64
	BuyRSIMin         float64
	BuyRSIMax         float64
	SellRSIMin        float64
	SellRSIMax        float64
}

// DefaultParams mirrors the canonical configuration.
func DefaultParams() Params {
	return Params{
		MaxSpreadPoints:   30,
		MinATRPoints:      20,
		BaseConfidence:    75,
		ContinuationBonus: 10,
		MinConfidence:     70,
		BuyRSIMin:         45,
		BuyRSIMax:         70,
		SellRSIMin:        30,
		SellRSIMax:        55,
	}
}

// Input is everything one evaluation reads.
type Input struct {
	Fast  indicator.Snapshot
	Slow  indicator.Snapshot
	Quote broker.Quote
	Point float64
	Now   time.Time
}

// Evaluator is stateless between calls; deduplication belongs to the signal gate.
type Evaluator struct {
	p       Params
	session Session
}

// NewEvaluator returns an evaluator bound to params and trading session.
func NewEvaluator(p Params, s Session) *Evaluator {
	return &Evaluator{p: p, session: s}
}

// Params returns the active parameters.
func (e *Evaluator) Params() Params { return e.p }

func abstain(r ReasonCode, format string, args ...any) Decision {
	return Decision{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Evaluate produces an intent or an abstention with a reason.
func (e *Evaluator) Evaluate(in Input) Decision {
	if in.Point <= 0 || in.Fast.BarCount == 0 || in.Slow.BarCount == 0 {
		return abstain(ReasonInsufficientData, "missing snapshot or point size")
	}

	spread := in.Quote.SpreadPoints(in.Point)
	if spread > e.p.MaxSpreadPoints {
		return abstain(ReasonSpreadTooWide, "spread %.0f > max %.0f points", spread, e.p.MaxSpreadPoints)
	}
	if !e.session.Open(in.Now) {
		return abstain(ReasonOutsideSession, "%s outside session %s", in.Now.Format("15:04"), e.session)
	}
	atrPoints := in.Fast.ATR / in.Point
	if atrPoints < e.p.MinATRPoints {
		return abstain(ReasonLowVolatility, "atr %.1f < min %.1f points", atrPoints, e.p.MinATRPoints)
	}

	trend := e.trend(in.Slow)
	if trend == Sideways {
		return abstain(ReasonNoTrend, "%s ema %.5f/%.5f/%.5f close %.5f",
			in.Slow.Timeframe, in.Slow.EMAFast, in.Slow.EMAMedium, in.Slow.EMASlow, in.Slow.Close)
	}

	f := in.Fast
	var side broker.Side
	var entry float64
	continuation := false
	switch trend {
	case Bullish:
		if !(f.EMAFast > f.EMAMedium && f.Close >= f.EMAMedium && f.Close <= f.EMAFast &&
			f.RSI > e.p.BuyRSIMin && f.RSI < e.p.BuyRSIMax) {
			return abstain(ReasonNoEntry, "bullish trend, no pullback entry (close %.5f rsi %.1f)", f.Close, f.RSI)
		}
		side, entry = broker.SideBuy, in.Quote.Ask
		continuation = entry > f.EMAFast
	case Bearish:
		if !(f.EMAFast < f.EMAMedium && f.Close <= f.EMAMedium && f.Close >= f.EMAFast &&
			f.RSI > e.p.SellRSIMin && f.RSI < e.p.SellRSIMax) {
			return abstain(ReasonNoEntry, "bearish trend, no pullback entry (close %.5f rsi %.1f)", f.Close, f.RSI)
		}
		side, entry = broker.SideSell, in.Quote.Bid
		continuation = entry < f.EMAFast
	}

	confidence := e.p.BaseConfidence
	if continuation {
		confidence += e.p.ContinuationBonus
	}
	confidence = math.Min(100, math.Max(0, confidence))
	if confidence < e.p.MinConfidence {
		return abstain(ReasonLowConfidence, "confidence %.0f < min %.0f", confidence, e.p.MinConfidence)
	}

	return Decision{
		Intent: &Intent{
			Side:         side,
			EntryPrice:   entry,
			Confidence:   confidence,
			ATR:          f.ATR,
			ATRPoints:    atrPoints,
			SpreadPoints: spread,
			Fast:         in.Fast,
			Slow:         in.Slow,
			GeneratedAt:  in.Now,
		},
		Detail: fmt.Sprintf("%s %s trend, conf=%.0f", side, trend, confidence),
	}
}

func (e *Evaluator) trend(s indicator.Snapshot) Trend {
	if s.EMAFast <= 0 {
		return Sideways
	}
	gap := (s.Close - s.EMAFast) / s.EMAFast
	switch {
	case s.EMAFast > s.EMAMedium && s.EMAMedium > s.EMASlow && gap > e.p.MinTrendGap:
		return Bullish
	case s.EMAFast < s.EMAMedium && s.EMAMedium < s.EMASlow && -gap > e.p.MinTrendGap:
		return Bearish
	default:
		return Sideways
	}
}
