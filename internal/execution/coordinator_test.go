package execution

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/scalper/internal/audit"
	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/sizing"
	"github.com/chidi150c/scalper/internal/strategy"
)

// scriptVenue answers SubmitOrder from a script, keyed by call order.
type scriptVenue struct {
	mu      sync.Mutex
	script  []func(broker.OrderRequest) (broker.OrderResult, error)
	reqs    []broker.OrderRequest
	gate    chan struct{}
	entered chan struct{}
}

func (v *scriptVenue) Name() string { return "script" }
func (v *scriptVenue) GetQuote(context.Context, string) (*broker.Quote, error) {
	return nil, broker.ErrNotSupported
}
func (v *scriptVenue) GetBars(context.Context, string, broker.Timeframe, int) ([]broker.Candle, error) {
	return nil, broker.ErrNotSupported
}
func (v *scriptVenue) GetAccount(context.Context) (*broker.Account, error) {
	return nil, broker.ErrNotSupported
}
func (v *scriptVenue) GetInstrument(context.Context, string) (*broker.Instrument, error) {
	return nil, broker.ErrNotSupported
}
func (v *scriptVenue) GetOpenPositions(context.Context, string) ([]broker.Position, error) {
	return nil, nil
}

func (v *scriptVenue) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if v.entered != nil {
		v.entered <- struct{}{}
	}
	if v.gate != nil {
		<-v.gate
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.reqs)
	v.reqs = append(v.reqs, req)
	if n < len(v.script) {
		return v.script[n](req)
	}
	return broker.OrderResult{Accepted: true, Ticket: "T-default"}, nil
}

func (v *scriptVenue) requests() []broker.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]broker.OrderRequest(nil), v.reqs...)
}

func reject(code broker.RejectCode) func(broker.OrderRequest) (broker.OrderResult, error) {
	return func(broker.OrderRequest) (broker.OrderResult, error) {
		return broker.OrderResult{Code: code, Reason: string(code)}, nil
	}
}

func accept(ticket string, price float64) func(broker.OrderRequest) (broker.OrderResult, error) {
	return func(broker.OrderRequest) (broker.OrderResult, error) {
		return broker.OrderResult{Accepted: true, Ticket: ticket, FillPrice: price}, nil
	}
}

var genTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func ticket() Ticket {
	return Ticket{
		Intent: strategy.Intent{Side: broker.SideBuy, EntryPrice: 2000.60, Confidence: 85, ATR: 1, SpreadPoints: 20, GeneratedAt: genTime},
		Plan:   sizing.Plan{Mode: sizing.ModeATR, Volume: 0.33, StopLoss: 1999.10, TakeProfit: 2003.60},
	}
}

func cfg() Config {
	return Config{
		Symbol: "XAUUSD", Deviation: 20, Magic: 987654321, MaxAttempts: 3,
		Backoff: time.Millisecond,
		Fills:   []broker.FillPolicy{broker.FillIOC, broker.FillFOK, broker.FillReturn},
	}
}

func newCoordinator(v broker.Broker, sink audit.Sink, shadow bool) *Coordinator {
	c := New(v, sink, cfg(), shadow, zerolog.Nop())
	c.Rollover(genTime)
	return c
}

func TestFillModeFallbackWritesOneAuditRecord(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		reject(broker.RejectInvalidFill),
		accept("T1", 2000.62),
	}}
	sink := &audit.Memory{}
	c := newCoordinator(venue, sink, false)

	out, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.State)
	assert.True(t, out.Result.Accepted)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, broker.FillFOK, out.Request.Fill)

	reqs := venue.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, broker.FillIOC, reqs[0].Fill)
	assert.Equal(t, broker.FillFOK, reqs[1].Fill)
	assert.Equal(t, reqs[0].Tag, reqs[1].Tag, "retries are one logical send")
	assert.Equal(t, int64(987654321), reqs[0].Magic)
	assert.Equal(t, 20, reqs[0].Deviation)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeAccepted, recs[0].Outcome)
	assert.Equal(t, 2000.62, recs[0].Entry)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, "atr", recs[0].ExitMode)

	st := c.RiskState()
	assert.Equal(t, 1, st.DailyTrades)
	assert.Equal(t, 0, st.ConsecutiveLosses)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, c.Tracked())
}

func TestNonRetryableRejectStopsImmediately(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		reject(broker.RejectNoMoney),
	}}
	sink := &audit.Memory{}
	c := newCoordinator(venue, sink, false)

	out, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, venue.requests(), 1)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeRejected, recs[0].Outcome)
	assert.Contains(t, recs[0].Reason, "no_money")

	st := c.RiskState()
	assert.Equal(t, 0, st.DailyTrades)
	assert.Equal(t, 0, st.ConsecutiveLosses)
}

func TestRetriesAreBounded(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		reject(broker.RejectRequote), reject(broker.RejectRequote), reject(broker.RejectRequote), accept("late", 1),
	}}
	sink := &audit.Memory{}
	c := newCoordinator(venue, sink, false)

	out, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, broker.RejectRequote, out.Result.Code)
	for _, r := range venue.requests() {
		assert.Equal(t, broker.FillIOC, r.Fill, "requote keeps the fill policy")
	}
	assert.Len(t, sink.Records(), 1)
}

func TestFillPoliciesExhausted(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		reject(broker.RejectInvalidFill), reject(broker.RejectInvalidFill),
	}}
	c := newCoordinator(venue, &audit.Memory{}, false)
	c.SetConfig(Config{Symbol: "XAUUSD", MaxAttempts: 5, Fills: []broker.FillPolicy{broker.FillIOC, broker.FillFOK}})

	out, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, broker.RejectInvalidFill, out.Result.Code)
}

func TestTransportFailureIsAuditedRejection(t *testing.T) {
	boom := func(broker.OrderRequest) (broker.OrderResult, error) {
		return broker.OrderResult{}, broker.ErrDisconnected
	}
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){boom, boom, boom}}
	sink := &audit.Memory{}
	c := newCoordinator(venue, sink, false)

	out, err := c.Execute(context.Background(), ticket())
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrDisconnected)
	assert.Equal(t, Rejected, out.State)
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, sink.Records(), 1)
	assert.Equal(t, audit.OutcomeRejected, sink.Records()[0].Outcome)
	assert.Equal(t, 0, c.RiskState().DailyTrades)
}

func TestShadowModeNeverSubmits(t *testing.T) {
	venue := &scriptVenue{}
	sink := &audit.Memory{}
	c := newCoordinator(venue, sink, true)

	out, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)
	assert.True(t, out.Shadow)
	assert.Empty(t, venue.requests())
	require.Len(t, sink.Records(), 1)
	assert.Equal(t, audit.OutcomeShadow, sink.Records()[0].Outcome)
	assert.Equal(t, 0, c.RiskState().DailyTrades)

	c.SetShadow(false)
	assert.False(t, c.Shadow())
}

func TestBusyWhileSubmitting(t *testing.T) {
	venue := &scriptVenue{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := newCoordinator(venue, &audit.Memory{}, false)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), ticket())
		done <- err
	}()
	<-venue.entered
	assert.Equal(t, Submitting, c.State())

	_, err := c.Execute(context.Background(), ticket())
	assert.ErrorIs(t, err, ErrBusy)

	close(venue.gate)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, c.State())
}

func TestCancelledContextDoesNotAbandonSubmission(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		reject(broker.RejectInvalidFill),
		accept("T9", 0),
	}}
	c := newCoordinator(venue, &audit.Memory{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := c.Execute(ctx, ticket())
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.State)
	assert.Len(t, venue.requests(), 2)
}

func TestReconcileBooksVanishedPositions(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){accept("T1", 2000.6)}}
	c := newCoordinator(venue, &audit.Memory{}, false)
	_, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)

	foreign := broker.Position{Ticket: "X", Symbol: "XAUUSD", Magic: 1, Profit: -100}
	closed := c.Reconcile(context.Background(), []broker.Position{
		{Ticket: "T1", Symbol: "XAUUSD", Side: broker.SideBuy, Magic: 987654321, Profit: -12.5},
		foreign,
	}, nil, nil)
	assert.Empty(t, closed)
	assert.Equal(t, 1, c.Tracked())
	assert.Equal(t, 0, c.RiskState().ConsecutiveLosses, "an open position is not an outcome")

	closed = c.Reconcile(context.Background(), []broker.Position{foreign}, nil, nil)
	require.Len(t, closed, 1)
	assert.Equal(t, "T1", closed[0].Ticket)
	st := c.RiskState()
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Equal(t, "-12.5", st.DailyPnL.String())
	assert.Equal(t, 0, c.Tracked())
}

// historyVenue also reports realized profit for closed tickets.
type historyVenue struct {
	*scriptVenue
	profits map[string]float64
}

func (v *historyVenue) ClosedProfit(_ context.Context, ticket string) (float64, error) {
	p, ok := v.profits[ticket]
	if !ok {
		return 0, broker.ErrNoData
	}
	return p, nil
}

var xauusd = &broker.Instrument{Symbol: "XAUUSD", Point: 0.01, Digits: 2, PointValue: 1}

func TestUnknownCloseKeepsLossStreak(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		accept("T1", 2000.6), accept("T2", 2000.6), accept("T3", 2000.6),
	}}
	c := newCoordinator(venue, &audit.Memory{}, false)
	ctx := context.Background()

	for _, id := range []string{"T1", "T2"} {
		_, err := c.Execute(ctx, ticket())
		require.NoError(t, err)
		c.Reconcile(ctx, []broker.Position{{Ticket: id, Symbol: "XAUUSD", Side: broker.SideBuy, Magic: 987654321, Profit: -15}}, nil, nil)
		require.Len(t, c.Reconcile(ctx, nil, nil, nil), 1)
	}
	st := c.RiskState()
	require.Equal(t, 2, st.ConsecutiveLosses)
	require.Equal(t, "-30", st.DailyPnL.String())

	_, err := c.Execute(ctx, ticket())
	require.NoError(t, err)
	closed := c.Reconcile(ctx, nil, nil, nil)
	require.Len(t, closed, 1)
	assert.Equal(t, "T3", closed[0].Ticket)
	assert.Equal(t, 0, c.Tracked())

	st = c.RiskState()
	assert.Equal(t, 2, st.ConsecutiveLosses, "a close never seen must not reset the streak")
	assert.Equal(t, "-30", st.DailyPnL.String())
}

func TestVanishedPositionPricedFromQuote(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		accept("T1", 2000.6), accept("T2", 2000.6),
	}}
	c := newCoordinator(venue, &audit.Memory{}, false)
	ctx := context.Background()

	_, err := c.Execute(ctx, ticket())
	require.NoError(t, err)
	closed := c.Reconcile(ctx, nil, &broker.Quote{Bid: 1999.0, Ask: 1999.2}, xauusd)
	require.Len(t, closed, 1)
	assert.InDelta(t, -49.5, closed[0].Profit, 1e-6) // 150 points to the stop * 0.33 lot
	st := c.RiskState()
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.InDelta(t, -49.5, st.DailyPnL.InexactFloat64(), 1e-6)

	_, err = c.Execute(ctx, ticket())
	require.NoError(t, err)
	closed = c.Reconcile(ctx, nil, &broker.Quote{Bid: 2003.7, Ask: 2003.9}, xauusd)
	require.Len(t, closed, 1)
	assert.InDelta(t, 99.0, closed[0].Profit, 1e-6) // 300 points to the target * 0.33 lot
	assert.Equal(t, 0, c.RiskState().ConsecutiveLosses)
}

func TestVanishedPositionUsesVenueHistory(t *testing.T) {
	venue := &historyVenue{
		scriptVenue: &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){accept("T1", 2000.6)}},
		profits:     map[string]float64{"T1": -7.25},
	}
	c := newCoordinator(venue, &audit.Memory{}, false)
	ctx := context.Background()

	_, err := c.Execute(ctx, ticket())
	require.NoError(t, err)
	// The quote sits past the target, but the venue's own record wins.
	closed := c.Reconcile(ctx, nil, &broker.Quote{Bid: 2003.7, Ask: 2003.9}, xauusd)
	require.Len(t, closed, 1)
	assert.Equal(t, -7.25, closed[0].Profit)
	st := c.RiskState()
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Equal(t, "-7.25", st.DailyPnL.String())
}

func TestCloseAllAggregates(t *testing.T) {
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){
		accept("P1", 2001),
		reject(broker.RejectMarketClosed),
		accept("P3", 1999),
	}}
	sink := &audit.Memory{}
	c := newCoordinator(venue, sink, false)

	positions := []broker.Position{
		{Ticket: "P1", Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 0.10, Profit: 5},
		{Ticket: "P2", Symbol: "XAUUSD", Side: broker.SideBuy, Volume: 0.20, Profit: -3},
		{Ticket: "P3", Symbol: "XAUUSD", Side: broker.SideSell, Volume: 0.30, Profit: -1},
	}
	rep, err := c.CloseAll(context.Background(), positions)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Results, 3)
	assert.False(t, rep.Results[1].Result.Accepted)

	reqs := venue.requests()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, positions[i].Side.Opposite(), r.Side)
		assert.Equal(t, positions[i].Volume, r.Volume)
		assert.Equal(t, positions[i].Ticket, r.PositionTicket)
	}

	recs := sink.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, audit.OutcomeClosed, recs[0].Outcome)
	assert.Equal(t, audit.OutcomeCloseFailed, recs[1].Outcome)
	assert.Equal(t, audit.OutcomeClosed, recs[2].Outcome)
}

func TestLogsCarryComponent(t *testing.T) {
	var buf bytes.Buffer
	venue := &scriptVenue{script: []func(broker.OrderRequest) (broker.OrderResult, error){reject(broker.RejectNoMoney)}}
	c := New(venue, nil, cfg(), false, zerolog.New(&buf))
	_, err := c.Execute(context.Background(), ticket())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"component":"execution"`)
	assert.Contains(t, buf.String(), "order rejected")
	assert.False(t, errors.Is(err, ErrBusy))
}
