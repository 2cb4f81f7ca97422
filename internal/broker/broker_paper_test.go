package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quoteFeed struct {
	mu    sync.Mutex
	quote *Quote
}

func (f *quoteFeed) setQuote(bid, ask float64) {
	f.mu.Lock()
	f.quote = &Quote{Bid: bid, Ask: ask}
	f.mu.Unlock()
}

func (f *quoteFeed) Name() string { return "feed" }
func (f *quoteFeed) GetQuote(context.Context, string) (*Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quote == nil {
		return nil, ErrNoData
	}
	q := *f.quote
	return &q, nil
}
func (f *quoteFeed) GetBars(context.Context, string, Timeframe, int) ([]Candle, error) {
	return nil, ErrNoData
}
func (f *quoteFeed) GetAccount(context.Context) (*Account, error) { return nil, ErrNotSupported }
func (f *quoteFeed) GetInstrument(_ context.Context, symbol string) (*Instrument, error) {
	return &Instrument{Symbol: symbol, Point: 0.01, Digits: 2, VolumeMin: 0.01, VolumeMax: 100,
		VolumeStep: 0.01, PointValue: 1, Tradeable: true}, nil
}
func (f *quoteFeed) SubmitOrder(context.Context, OrderRequest) (OrderResult, error) {
	return OrderResult{}, ErrNotSupported
}
func (f *quoteFeed) GetOpenPositions(context.Context, string) ([]Position, error) { return nil, nil }

func TestPaperFillsAtTouchAndSettlesOnTarget(t *testing.T) {
	feed := &quoteFeed{}
	feed.setQuote(2019.30, 2019.50)
	p := NewPaperBroker(feed, 10000, "")
	ctx := context.Background()

	res, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Volume: 0.5,
		StopLoss: 2018, TakeProfit: 2020.5, Fill: FillIOC})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, 2019.50, res.FillPrice)

	pos, err := p.GetOpenPositions(ctx, "XAUUSD")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.InDelta(t, -10.0, pos[0].Profit, 1e-9) // marked at bid, 20 points * 0.5 lot

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Balance)
	assert.InDelta(t, 9990.0, acct.Equity, 1e-9)
	assert.Equal(t, "USD", acct.Currency)

	feed.setQuote(2020.60, 2020.80)
	pos, err = p.GetOpenPositions(ctx, "XAUUSD")
	require.NoError(t, err)
	assert.Empty(t, pos)
	acct, _ = p.GetAccount(ctx)
	assert.InDelta(t, 10050.0, acct.Balance, 1e-9) // settled at target: 100 points * 0.5

	profit, err := p.ClosedProfit(ctx, res.Ticket)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, profit, 1e-9)
}

func TestPaperReportsStopOutLoss(t *testing.T) {
	feed := &quoteFeed{}
	feed.setQuote(2019.30, 2019.50)
	p := NewPaperBroker(feed, 10000, "USD")
	ctx := context.Background()

	res, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Volume: 0.1,
		StopLoss: 2019.35, TakeProfit: 2021, Fill: FillIOC})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	_, err = p.ClosedProfit(ctx, res.Ticket)
	assert.ErrorIs(t, err, ErrNoData, "still open")

	pos, err := p.GetOpenPositions(ctx, "XAUUSD")
	require.NoError(t, err)
	assert.Empty(t, pos, "bid 2019.30 is through the stop")
	profit, err := p.ClosedProfit(ctx, res.Ticket)
	require.NoError(t, err)
	assert.InDelta(t, -1.5, profit, 1e-9) // 15 points * 0.1 lot
}

func TestPositionExitCrossed(t *testing.T) {
	long := Position{Side: SideBuy, StopLoss: 1999, TakeProfit: 2003}
	short := Position{Side: SideSell, StopLoss: 2003, TakeProfit: 1999}
	cases := []struct {
		name string
		pos  Position
		q    Quote
		exit float64
		hit  bool
	}{
		{"long inside", long, Quote{Bid: 2000, Ask: 2000.2}, 0, false},
		{"long stopped at bid", long, Quote{Bid: 1998.9, Ask: 1999.1}, 1999, true},
		{"long target", long, Quote{Bid: 2003, Ask: 2003.2}, 2003, true},
		{"short stopped at ask", short, Quote{Bid: 2002.9, Ask: 2003.1}, 2003, true},
		{"short target", short, Quote{Bid: 1998.8, Ask: 1999}, 1999, true},
		{"no stops", Position{Side: SideBuy}, Quote{Bid: 1, Ask: 2}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exit, hit := tc.pos.ExitCrossed(tc.q)
			assert.Equal(t, tc.hit, hit)
			assert.Equal(t, tc.exit, exit)
		})
	}
}

func TestPaperRejections(t *testing.T) {
	feed := &quoteFeed{}
	p := NewPaperBroker(feed, 10000, "USD")
	ctx := context.Background()
	buy := OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Volume: 0.1, StopLoss: 2018, TakeProfit: 2021, Fill: FillIOC}

	res, err := p.SubmitOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, RejectMarketClosed, res.Code)

	feed.setQuote(2019.30, 2019.50)
	bad := buy
	bad.StopLoss = 2020
	res, _ = p.SubmitOrder(ctx, bad)
	assert.Equal(t, RejectInvalidStops, res.Code)

	p.RequireFill(FillFOK)
	res, _ = p.SubmitOrder(ctx, buy)
	assert.Equal(t, RejectInvalidFill, res.Code)
	buy.Fill = FillFOK
	res, _ = p.SubmitOrder(ctx, buy)
	assert.True(t, res.Accepted)
}

func TestPaperClosesByTicket(t *testing.T) {
	feed := &quoteFeed{}
	feed.setQuote(2019.30, 2019.50)
	p := NewPaperBroker(feed, 10000, "USD")
	ctx := context.Background()

	open, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideSell, Volume: 1, Fill: FillIOC})
	require.NoError(t, err)
	require.True(t, open.Accepted)

	res, _ := p.SubmitOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideSell, Volume: 1, PositionTicket: open.Ticket})
	assert.False(t, res.Accepted, "close must oppose the position")

	feed.setQuote(2018.30, 2018.50)
	res, err = p.SubmitOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: SideBuy, Volume: 1, PositionTicket: open.Ticket})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	acct, _ := p.GetAccount(ctx)
	assert.InDelta(t, 10080.0, acct.Balance, 1e-9) // sold 2019.30, bought back 2018.50

	pos, _ := p.GetOpenPositions(ctx, "XAUUSD")
	assert.Empty(t, pos)
}

func TestPaperReconnectDelegates(t *testing.T) {
	p := NewPaperBroker(&quoteFeed{}, 1, "USD")
	assert.ErrorIs(t, p.Reconnect(context.Background()), ErrNotSupported)
}
