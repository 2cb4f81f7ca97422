// FILE: sizing.go
// Package sizing – Position size and protective exit prices.
//
// Plan turns an admitted intent into volume, stop-loss and take-profit under
// one of four exit modes:
//   • atr      – stop = max(min_stop_points, ATR_points · sl_multiplier), target = stop · risk_reward
//   • points   – fixed stop/target in instrument points
//   • pips     – fixed stop/target in pips (10 points on 3/5-digit quotes)
//   • percent  – stop/target as a percent of balance, converted through the point value
//
// Volume risks balance · risk_percent/100 over the stop distance, floored to the
// volume step and clamped to [volume_min, volume_max]. Price math runs in
// decimal so exits land exactly on the instrument's digits.
//
// Missing metadata is an error, never a zero exit price, and so is an
// instrument whose digits cannot express its point. Rounded exits must still
// bracket the entry on the protective side.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/scalper/internal/broker"
)

var (
	// ErrMissingMetadata means account or instrument data needed by the mode is absent.
	ErrMissingMetadata = errors.New("missing account or instrument metadata")
	// ErrInvalidInput means the intent itself cannot be priced.
	ErrInvalidInput = errors.New("invalid sizing input")
)

// Mode selects how exit distances are derived.
type Mode string

const (
	ModeATR     Mode = "atr"
	ModePoints  Mode = "points"
	ModePips    Mode = "pips"
	ModePercent Mode = "percent"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeATR, ModePoints, ModePips, ModePercent:
		return true
	}
	return false
}

// Params configures the calculator.
type Params struct {
	Mode        Mode
	RiskPercent float64

	// atr mode
	MinStopPoints float64
	SLMultiplier  float64
	RiskReward    float64
	// Confidence at or above AdaptConfidence scales the multipliers. Zero disables.
	AdaptConfidence float64
	AdaptSLFactor   float64
	AdaptRRFactor   float64

	SLPoints, TPPoints   float64
	SLPips, TPPips       float64
	SLPercent, TPPercent float64
}

// Input is one intent's sizing context.
type Input struct {
	Side       broker.Side
	Entry      float64
	ATR        float64
	Confidence float64
	Balance    float64
	Instrument *broker.Instrument
}

// Plan is a fully priced order.
type Plan struct {
	Mode         Mode    `json:"mode"`
	Volume       float64 `json:"volume"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	StopPoints   float64 `json:"stop_points"`
	TargetPoints float64 `json:"target_points"`
	RiskAmount   float64 `json:"risk_amount"`
}

// Calculator is stateless; Params are fixed at construction.
type Calculator struct {
	p Params
}

func NewCalculator(p Params) *Calculator { return &Calculator{p: p} }

// Params returns the active parameters.
func (c *Calculator) Params() Params { return c.p }

var hundred = decimal.NewFromInt(100)

// Plan sizes and prices one order.
func (c *Calculator) Plan(in Input) (Plan, error) {
	if !in.Side.Valid() || !(in.Entry > 0) || math.IsInf(in.Entry, 0) {
		return Plan{}, fmt.Errorf("side %q entry %v: %w", in.Side, in.Entry, ErrInvalidInput)
	}
	ins := in.Instrument
	if ins == nil || ins.Point <= 0 || ins.PointValue <= 0 || ins.VolumeStep <= 0 ||
		ins.VolumeMin <= 0 || ins.VolumeMax < ins.VolumeMin {
		return Plan{}, fmt.Errorf("instrument: %w", ErrMissingMetadata)
	}
	if !ins.DigitsFitPoint() {
		return Plan{}, fmt.Errorf("instrument digits %d cannot express point %v: %w", ins.Digits, ins.Point, ErrMissingMetadata)
	}
	if in.Balance <= 0 {
		return Plan{}, fmt.Errorf("balance: %w", ErrMissingMetadata)
	}

	stopPts, targetPts, err := c.distances(in)
	if err != nil {
		return Plan{}, err
	}
	if !stopPts.IsPositive() || !targetPts.IsPositive() {
		return Plan{}, fmt.Errorf("%s mode: non-positive exit distance: %w", c.p.Mode, ErrInvalidInput)
	}

	point := decimal.NewFromFloat(ins.Point)
	entry := decimal.NewFromFloat(in.Entry)
	stopDist := stopPts.Mul(point)
	targetDist := targetPts.Mul(point)
	var sl, tp decimal.Decimal
	if in.Side == broker.SideBuy {
		sl, tp = entry.Sub(stopDist), entry.Add(targetDist)
	} else {
		sl, tp = entry.Add(stopDist), entry.Sub(targetDist)
	}
	places := int32(ins.Digits)
	sl, tp = sl.Round(places), tp.Round(places)
	if !sl.IsPositive() || !tp.IsPositive() {
		return Plan{}, fmt.Errorf("exit price not positive (sl %s tp %s): %w", sl, tp, ErrInvalidInput)
	}
	if !exitsBracket(in.Side, entry, sl, tp) {
		return Plan{}, fmt.Errorf("%s exits do not bracket entry %s after rounding (sl %s tp %s): %w",
			in.Side, entry, sl, tp, ErrInvalidInput)
	}

	risk := decimal.NewFromFloat(in.Balance).Mul(decimal.NewFromFloat(c.p.RiskPercent)).Div(hundred)
	raw := risk.Div(stopPts.Mul(decimal.NewFromFloat(ins.PointValue)))
	volume := clamp(snapToStep(raw, decimal.NewFromFloat(ins.VolumeStep)),
		decimal.NewFromFloat(ins.VolumeMin), decimal.NewFromFloat(ins.VolumeMax))

	return Plan{
		Mode:         c.p.Mode,
		Volume:       volume.InexactFloat64(),
		StopLoss:     sl.InexactFloat64(),
		TakeProfit:   tp.InexactFloat64(),
		StopPoints:   stopPts.InexactFloat64(),
		TargetPoints: targetPts.InexactFloat64(),
		RiskAmount:   risk.InexactFloat64(),
	}, nil
}

// distances returns stop and target distances in points.
func (c *Calculator) distances(in Input) (decimal.Decimal, decimal.Decimal, error) {
	p := c.p
	ins := in.Instrument
	switch p.Mode {
	case ModeATR:
		if math.IsNaN(in.ATR) || math.IsInf(in.ATR, 0) || in.ATR < 0 {
			return decimal.Zero, decimal.Zero, fmt.Errorf("atr %v: %w", in.ATR, ErrInvalidInput)
		}
		slMult, rr := p.SLMultiplier, p.RiskReward
		if p.AdaptConfidence > 0 && in.Confidence >= p.AdaptConfidence {
			slMult *= p.AdaptSLFactor
			rr *= p.AdaptRRFactor
		}
		atrPts := decimal.NewFromFloat(in.ATR).Div(decimal.NewFromFloat(ins.Point))
		stop := decimal.Max(decimal.NewFromFloat(p.MinStopPoints), atrPts.Mul(decimal.NewFromFloat(slMult)))
		return stop, stop.Mul(decimal.NewFromFloat(rr)), nil
	case ModePoints:
		return decimal.NewFromFloat(p.SLPoints), decimal.NewFromFloat(p.TPPoints), nil
	case ModePips:
		perPip := decimal.NewFromInt(PipPoints(ins.Digits))
		return decimal.NewFromFloat(p.SLPips).Mul(perPip), decimal.NewFromFloat(p.TPPips).Mul(perPip), nil
	case ModePercent:
		bal := decimal.NewFromFloat(in.Balance)
		pv := decimal.NewFromFloat(ins.PointValue)
		stop := bal.Mul(decimal.NewFromFloat(p.SLPercent)).Div(hundred).Div(pv)
		target := bal.Mul(decimal.NewFromFloat(p.TPPercent)).Div(hundred).Div(pv)
		return stop, target, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("exit mode %q: %w", p.Mode, ErrInvalidInput)
	}
}

// PipPoints is the number of points in one pip: 10 on 3- and 5-digit quotes, else 1.
func PipPoints(digits int) int64 {
	if digits == 3 || digits == 5 {
		return 10
	}
	return 1
}

// exitsBracket requires sl < entry < tp for a BUY and tp < entry < sl for a SELL.
func exitsBracket(side broker.Side, entry, sl, tp decimal.Decimal) bool {
	if side == broker.SideBuy {
		return sl.LessThan(entry) && tp.GreaterThan(entry)
	}
	return sl.GreaterThan(entry) && tp.LessThan(entry)
}

func snapToStep(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	n := x.Div(step).Floor()
	if !n.IsPositive() {
		return decimal.Zero
	}
	return n.Mul(step)
}

func clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.GreaterThan(hi) {
		return hi
	}
	if x.LessThan(lo) {
		return lo
	}
	return x
}
