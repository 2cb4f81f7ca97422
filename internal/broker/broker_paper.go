// FILE: broker_paper.go
// Package broker – Paper venue: real market data, simulated orders.
//
// PaperBroker forwards quotes, bars and instrument metadata to an upstream
// venue (normally the bridge) and keeps orders, positions and the account
// balance in memory. It never fabricates prices: if the upstream has no quote,
// the order is refused. It is used for dry runs against a live terminal
// without risking capital.
//
// Simulation rules:
//   • Market orders fill at ask (BUY) or bid (SELL) of the current quote.
//   • Stops must sit on the protective side of the fill, else invalid_stops.
//   • GetOpenPositions marks positions to market and closes any whose stop
//     or target was crossed, realizing the profit into the balance.
//   • Realized profit stays queryable by ticket through ClosedProfit.
//   • An optional RequiredFill emulates venues that accept one fill policy.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperBroker simulates execution over an upstream market-data source.
type PaperBroker struct {
	feed Broker

	mu           sync.Mutex
	balance      float64
	currency     string
	positions    map[string]*Position
	closed       map[string]float64 // realized profit by ticket
	instruments  map[string]*Instrument
	requiredFill FillPolicy
}

// NewPaperBroker starts a paper account with the given balance.
func NewPaperBroker(feed Broker, balance float64, currency string) *PaperBroker {
	if currency == "" {
		currency = "USD"
	}
	return &PaperBroker{
		feed:        feed,
		balance:     balance,
		currency:    currency,
		positions:   make(map[string]*Position),
		closed:      make(map[string]float64),
		instruments: make(map[string]*Instrument),
	}
}

// RequireFill makes the paper venue reject every other fill policy.
func (p *PaperBroker) RequireFill(f FillPolicy) {
	p.mu.Lock()
	p.requiredFill = f
	p.mu.Unlock()
}

func (p *PaperBroker) Name() string { return "paper(" + p.feed.Name() + ")" }

// Reconnect delegates to the feed when it supports reconnection.
func (p *PaperBroker) Reconnect(ctx context.Context) error {
	if rc, ok := p.feed.(Reconnector); ok {
		return rc.Reconnect(ctx)
	}
	return ErrNotSupported
}

func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return p.feed.GetQuote(ctx, symbol)
}

func (p *PaperBroker) GetBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Candle, error) {
	return p.feed.GetBars(ctx, symbol, tf, count)
}

func (p *PaperBroker) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	p.mu.Lock()
	if in, ok := p.instruments[symbol]; ok {
		cp := *in
		p.mu.Unlock()
		return &cp, nil
	}
	p.mu.Unlock()

	in, err := p.feed.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	cp := *in
	p.instruments[symbol] = &cp
	p.mu.Unlock()
	return in, nil
}

// GetAccount reports the paper balance and equity including open profit.
func (p *PaperBroker) GetAccount(ctx context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.balance
	for _, pos := range p.positions {
		equity += pos.Profit
	}
	return &Account{Balance: p.balance, Equity: equity, FreeMargin: equity, Currency: p.currency}, nil
}

// SubmitOrder opens a position or, with PositionTicket set, closes one.
func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	required := p.requiredFill
	p.mu.Unlock()
	if required != "" && req.Fill != required {
		return OrderResult{Code: RejectInvalidFill, Reason: "unsupported filling mode"}, nil
	}
	if req.Volume <= 0 || !req.Side.Valid() {
		return OrderResult{Code: RejectOther, Reason: "invalid volume or side"}, nil
	}
	q, err := p.feed.GetQuote(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return OrderResult{Code: RejectMarketClosed, Reason: "no quote"}, nil
		}
		return OrderResult{}, err
	}
	in, err := p.GetInstrument(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	price := q.Ask
	if req.Side == SideSell {
		price = q.Bid
	}

	if req.PositionTicket != "" {
		return p.closePosition(req, price, in)
	}

	if !stopsValid(req.Side, price, req.StopLoss, req.TakeProfit) {
		return OrderResult{Code: RejectInvalidStops, Reason: "invalid stops"}, nil
	}
	ticket := uuid.New().String()
	p.mu.Lock()
	p.positions[ticket] = &Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Magic:        req.Magic,
		OpenTime:     time.Now().UTC(),
	}
	p.mu.Unlock()
	return OrderResult{Accepted: true, Ticket: ticket, FillPrice: price}, nil
}

func (p *PaperBroker) closePosition(req OrderRequest, price float64, in *Instrument) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[req.PositionTicket]
	if !ok {
		return OrderResult{Code: RejectOther, Reason: "position not found"}, nil
	}
	if req.Side != pos.Side.Opposite() {
		return OrderResult{Code: RejectOther, Reason: "close side must oppose position"}, nil
	}
	p.settle(pos, price, in)
	return OrderResult{Accepted: true, Ticket: req.PositionTicket, FillPrice: price}, nil
}

// GetOpenPositions marks to market and settles positions whose stop or target was hit.
func (p *PaperBroker) GetOpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	q, err := p.feed.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	in, err := p.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		if exit, hit := pos.ExitCrossed(*q); hit {
			p.settle(pos, exit, in)
			continue
		}
		mark := q.Bid // a long closes at bid
		if pos.Side == SideSell {
			mark = q.Ask
		}
		pos.CurrentPrice = mark
		pos.Profit = pos.ProfitAt(mark, in)
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func stopsValid(side Side, price, sl, tp float64) bool {
	if side == SideBuy {
		return (sl == 0 || sl < price) && (tp == 0 || tp > price)
	}
	return (sl == 0 || sl > price) && (tp == 0 || tp < price)
}

// settle realizes pos at price. Callers hold p.mu.
func (p *PaperBroker) settle(pos *Position, price float64, in *Instrument) {
	profit := pos.ProfitAt(price, in)
	p.balance += profit
	p.closed[pos.Ticket] = profit
	delete(p.positions, pos.Ticket)
}

// ClosedProfit returns the profit realized when ticket was closed or settled.
func (p *PaperBroker) ClosedProfit(_ context.Context, ticket string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profit, ok := p.closed[ticket]
	if !ok {
		return 0, fmt.Errorf("%w: ticket %s not closed", ErrNoData, ticket)
	}
	return profit, nil
}

// String is used in logs.
func (p *PaperBroker) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("paper balance=%.2f open=%d", p.balance, len(p.positions))
}
