// FILE: snapshot.go
// Package indicator – Per-timeframe indicator snapshots.
//
// A Snapshot is the latest value of every series the strategy reads, taken
// from the trailing bar window of one timeframe. Snapshots are rebuilt every
// cycle and never persisted.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chidi150c/scalper/internal/broker"
)

// ErrInsufficientData means the window is shorter than the slowest warm-up.
var ErrInsufficientData = errors.New("insufficient bars for indicator warm-up")

// Periods groups the lookbacks used by one snapshot.
type Periods struct {
	Fast   int `yaml:"ema_fast" json:"ema_fast"`
	Medium int `yaml:"ema_medium" json:"ema_medium"`
	Slow   int `yaml:"ema_slow" json:"ema_slow"`
	RSI    int `yaml:"rsi" json:"rsi"`
	ATR    int `yaml:"atr" json:"atr"`
}

// WarmUp is the minimum bar count before every series has a value.
func (p Periods) WarmUp() int {
	n := p.Slow
	for _, v := range []int{p.Fast, p.Medium, p.RSI + 1, p.ATR} {
		if v > n {
			n = v
		}
	}
	return n
}

// Snapshot is the latest indicator state for one timeframe.
type Snapshot struct {
	Timeframe broker.Timeframe `json:"timeframe"`
	EMAFast   float64          `json:"ema_fast"`
	EMAMedium float64          `json:"ema_medium"`
	EMASlow   float64          `json:"ema_slow"`
	RSI       float64          `json:"rsi"`
	ATR       float64          `json:"atr"`
	Close     float64          `json:"close"`
	BarCount  int              `json:"bar_count"`
	BarTime   time.Time        `json:"bar_time"`
}

// Build computes a snapshot from an ordered bar window. It abstains with
// ErrInsufficientData rather than approximate from a short window.
func Build(c []broker.Candle, p Periods, tf broker.Timeframe) (Snapshot, error) {
	if need := p.WarmUp(); len(c) < need {
		return Snapshot{}, fmt.Errorf("%s: have %d bars, need %d: %w", tf, len(c), need, ErrInsufficientData)
	}
	high, low, close := HLC(c)
	s := Snapshot{
		Timeframe: tf,
		EMAFast:   Last(EMA(close, p.Fast)),
		EMAMedium: Last(EMA(close, p.Medium)),
		EMASlow:   Last(EMA(close, p.Slow)),
		RSI:       Last(RSI(close, p.RSI)),
		ATR:       Last(ATR(high, low, close, p.ATR)),
		Close:     close[len(close)-1],
		BarCount:  len(c),
		BarTime:   c[len(c)-1].Time,
	}
	for _, v := range []float64{s.EMAFast, s.EMAMedium, s.EMASlow, s.RSI, s.ATR, s.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Snapshot{}, fmt.Errorf("%s: non-finite indicator value: %w", tf, ErrInsufficientData)
		}
	}
	return s, nil
}
