// FILE: indicators.go
// Package indicator – Technical indicators for the scalping engine.
//
// This file implements the rolling series the strategy consumes:
//   • EMA(x, n)           – Exponential Moving Average, SMA-seeded
//   • RSI(x, n)           – Relative Strength Index (Wilder's smoothing)
//   • ATR(h, l, c, n)     – Average True Range (Wilder's smoothing)
//
// Notes
//   - Outputs are aligned to input length.
//   - Not enough bars is never an error. EMA/ATR report NaN ("no value") and
//     RSI reports the neutral 50 for every index that has no value yet.
//   - Keep these fast and allocation-light; they're called every poll cycle.
package indicator

import (
	"math"

	"github.com/chidi150c/scalper/internal/broker"
)

// NeutralRSI is reported whenever RSI has too few deltas.
const NeutralRSI = 50.0

// lossEpsilon treats an average loss below it as zero.
const lossEpsilon = 1e-10

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// EMA returns the n-period exponential moving average of x, aligned to x.
// ema[n-1] is the mean of the first n samples; earlier indices are NaN.
func EMA(x []float64, n int) []float64 {
	out := nanSeries(len(x))
	if n <= 0 || len(x) < n {
		return out
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += x[i]
	}
	out[n-1] = sum / float64(n)
	alpha := 2.0 / float64(n+1)
	for i := n; i < len(x); i++ {
		out[i] = alpha*x[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing.
// The first value lands at index n, seeded by the mean of the first n deltas.
func RSI(x []float64, n int) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = NeutralRSI
	}
	if n <= 0 || len(x) < n+1 {
		return out
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := x[i] - x[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(n)
	loss /= float64(n)
	out[n] = rsiFrom(gain, loss)

	for i := n + 1; i < len(x); i++ {
		d := x[i] - x[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(n-1) + g) / float64(n)
		loss = (loss*float64(n-1) + l) / float64(n)
		out[i] = rsiFrom(gain, loss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss < lossEpsilon {
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// TrueRange returns the per-bar true range. The first bar has no previous
// close and degenerates to high-low. Mismatched input lengths yield an
// all-NaN series.
func TrueRange(high, low, close []float64) []float64 {
	if len(high) != len(close) || len(low) != len(close) {
		return nanSeries(len(close))
	}
	out := make([]float64, len(close))
	for i := range close {
		hl := high[i] - low[i]
		if i == 0 {
			out[i] = hl
			continue
		}
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns the n-period average true range, aligned to close.
// atr[n-1] is the mean of the first n true ranges; earlier indices are NaN.
// Mismatched input lengths yield an all-NaN series.
func ATR(high, low, close []float64, n int) []float64 {
	out := nanSeries(len(close))
	if n <= 0 || len(close) < n || len(high) != len(close) || len(low) != len(close) {
		return out
	}
	tr := TrueRange(high, low, close)
	var sum float64
	for i := 0; i < n; i++ {
		sum += tr[i]
	}
	out[n-1] = sum / float64(n)
	for i := n; i < len(close); i++ {
		out[i] = (out[i-1]*float64(n-1) + tr[i]) / float64(n)
	}
	return out
}

// Closes extracts the close series.
func Closes(c []broker.Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Close
	}
	return out
}

// HLC extracts high, low and close series in one pass.
func HLC(c []broker.Candle) (high, low, close []float64) {
	high = make([]float64, len(c))
	low = make([]float64, len(c))
	close = make([]float64, len(c))
	for i := range c {
		high[i], low[i], close[i] = c[i].High, c[i].Low, c[i].Close
	}
	return high, low, close
}

// Last returns the final element of a series, or NaN when empty.
func Last(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return x[len(x)-1]
}
