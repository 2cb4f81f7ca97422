// FILE: broker.go
// Package broker – Venue abstractions shared by the engine and all venue backends.
//
// This file defines the minimal surface the trading loop needs to talk to a
// trade-execution venue (paper or real):
//   • Broker interface: quotes, bars, account, instrument, orders, positions
//   • Common types: Side, Timeframe, Candle, Quote, Account, Instrument,
//     OrderRequest, OrderResult, Position
//
// Two concrete implementations live in separate files:
//   • broker_paper.go   – simulated fills over a real market-data source
//   • broker_bridge.go  – HTTP client for the venue sidecar (MT5 terminal bridge)
package broker

import (
	"context"
	"errors"
	"math"
	"time"
)

// Sentinel errors returned by venues. Callers classify with errors.Is.
var (
	// ErrNoData means the venue answered but had nothing (no tick, no bars, no account).
	ErrNoData = errors.New("venue returned no data")
	// ErrDisconnected means the venue connection is down.
	ErrDisconnected = errors.New("venue disconnected")
	// ErrNotSupported is returned for operations a backend cannot perform.
	ErrNotSupported = errors.New("operation not supported by venue")
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Timeframe is a bar granularity understood by the venue.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
)

// Duration returns the bar length; zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M1:
		return time.Minute
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	default:
		return 0
	}
}

// Candle is the normalized OHLCV row the bot uses everywhere. Immutable once received.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is the latest top-of-book tick.
type Quote struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// SpreadPoints is (ask-bid) expressed in instrument points.
func (q Quote) SpreadPoints(point float64) float64 {
	if point <= 0 {
		return math.Inf(1)
	}
	return math.Round((q.Ask - q.Bid) / point)
}

// Mid is the midpoint of bid and ask.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Account is a balance/equity snapshot.
type Account struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
}

// Instrument carries the symbol metadata needed for sizing and exit prices.
type Instrument struct {
	Symbol     string  `json:"symbol"`
	Point      float64 `json:"point"`  // smallest price increment
	Digits     int     `json:"digits"` // quoted decimals
	VolumeMin  float64 `json:"volume_min"`
	VolumeMax  float64 `json:"volume_max"`
	VolumeStep float64 `json:"volume_step"`
	PointValue float64 `json:"point_value"` // account-currency value of one point for one lot
	Tradeable  bool    `json:"tradeable"`
}

// DigitsFitPoint reports whether prices rounded to Digits can still land on
// every Point increment. A venue that omits digits reports 0, which fails
// for any fractional point.
func (i Instrument) DigitsFitPoint() bool {
	if i.Point <= 0 || i.Digits < 0 || i.Digits > 10 {
		return false
	}
	steps := i.Point * math.Pow10(i.Digits)
	return math.Round(steps) >= 1 && math.Abs(steps-math.Round(steps)) < 1e-6
}

// FillPolicy is the venue-side rule for partial/immediate fulfillment.
type FillPolicy string

const (
	FillIOC    FillPolicy = "IOC"
	FillFOK    FillPolicy = "FOK"
	FillReturn FillPolicy = "RETURN"
)

// OrderRequest is one market order. PositionTicket is set when the order closes a position.
type OrderRequest struct {
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	Volume         float64    `json:"volume"`
	EntryPrice     float64    `json:"price"`
	StopLoss       float64    `json:"sl,omitempty"`
	TakeProfit     float64    `json:"tp,omitempty"`
	Deviation      int        `json:"deviation"`
	Magic          int64      `json:"magic"`
	Tag            string     `json:"comment"`
	Fill           FillPolicy `json:"type_filling"`
	PositionTicket string     `json:"position,omitempty"`
}

// RejectCode classifies why a venue refused an order.
type RejectCode string

const (
	RejectNone         RejectCode = ""
	RejectInvalidFill  RejectCode = "invalid_fill"
	RejectRequote      RejectCode = "requote"
	RejectPriceChanged RejectCode = "price_changed"
	RejectTimeout      RejectCode = "timeout"
	RejectNoMoney      RejectCode = "no_money"
	RejectInvalidStops RejectCode = "invalid_stops"
	RejectMarketClosed RejectCode = "market_closed"
	RejectOther        RejectCode = "other"
)

// Retryable reports whether resubmitting the same intent may succeed.
func (c RejectCode) Retryable() bool {
	switch c {
	case RejectInvalidFill, RejectRequote, RejectPriceChanged, RejectTimeout:
		return true
	default:
		return false
	}
}

// OrderResult is the venue's answer to one submission.
type OrderResult struct {
	Accepted  bool       `json:"accepted"`
	Ticket    string     `json:"ticket,omitempty"`
	FillPrice float64    `json:"fill_price,omitempty"`
	Code      RejectCode `json:"code,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Position is a venue-owned open position. The engine observes it, never mutates it.
type Position struct {
	Ticket       string    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Magic        int64     `json:"magic"`
	OpenTime     time.Time `json:"open_time"`
}

// ProfitAt values the position at price in account currency.
func (p Position) ProfitAt(price float64, in *Instrument) float64 {
	if in == nil || in.Point <= 0 {
		return 0
	}
	points := (price - p.OpenPrice) / in.Point
	if p.Side == SideSell {
		points = -points
	}
	return points * in.PointValue * p.Volume
}

// ExitCrossed reports the stop or target price the quote has reached. A long
// is marked at bid, a short at ask; the stop wins when both are crossed.
func (p Position) ExitCrossed(q Quote) (float64, bool) {
	switch p.Side {
	case SideBuy:
		if p.StopLoss > 0 && q.Bid <= p.StopLoss {
			return p.StopLoss, true
		}
		if p.TakeProfit > 0 && q.Bid >= p.TakeProfit {
			return p.TakeProfit, true
		}
	case SideSell:
		if p.StopLoss > 0 && q.Ask >= p.StopLoss {
			return p.StopLoss, true
		}
		if p.TakeProfit > 0 && q.Ask <= p.TakeProfit {
			return p.TakeProfit, true
		}
	}
	return 0, false
}

// Broker is the minimal surface the bot needs to operate.
type Broker interface {
	Name() string
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Candle, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOpenPositions(ctx context.Context, symbol string) ([]Position, error)
}

// Reconnector is implemented by venues that can re-establish a dropped session.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// CloseReporter is implemented by venues that keep the realized profit of a
// position after it left the open set. ErrNoData means the ticket is unknown.
type CloseReporter interface {
	ClosedProfit(ctx context.Context, ticket string) (float64, error)
}
