// FILE: coordinator.go
// Package execution – Order submission, retry/fallback, audit and risk bookkeeping.
//
// The Coordinator owns the live RiskState and the set of positions this engine
// opened. Its state machine is
//
//	IDLE → SUBMITTING → {ACCEPTED, REJECTED} → IDLE
//
// One logical send may use several venue submissions: a fill-mode rejection
// switches to the next fill policy, other transient rejections retry the same
// policy, everything else stops at once. Attempts are bounded by MaxAttempts
// with a fixed backoff. Submission ignores caller cancellation so a stop never
// abandons an order half-way through its retry cycle.
//
// Risk counters move only here:
//   • accepted entry            → daily trade count +1
//   • tracked position vanished → RecordClose(last seen profit)
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chidi150c/scalper/internal/audit"
	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/metrics"
	"github.com/chidi150c/scalper/internal/risk"
	"github.com/chidi150c/scalper/internal/sizing"
	"github.com/chidi150c/scalper/internal/strategy"
)

// ErrBusy is returned when a submission is already in flight.
var ErrBusy = errors.New("execution: submission already in flight")

// State is the coordinator's position in its state machine.
type State int

const (
	Idle State = iota
	Submitting
	Accepted
	Rejected
)

// String implements fmt.Stringer for pretty logging.
func (s State) String() string {
	switch s {
	case Submitting:
		return "SUBMITTING"
	case Accepted:
		return "ACCEPTED"
	case Rejected:
		return "REJECTED"
	default:
		return "IDLE"
	}
}

// Config controls how orders are built and retried.
type Config struct {
	Symbol      string
	Deviation   int
	Magic       int64
	MaxAttempts int
	Backoff     time.Duration
	Fills       []broker.FillPolicy // fallback order, first is preferred
}

// Ticket is an admitted intent plus its priced plan.
type Ticket struct {
	Intent strategy.Intent
	Plan   sizing.Plan
}

// Outcome is the terminal result of one logical send.
type Outcome struct {
	State    State               `json:"state"`
	Shadow   bool                `json:"shadow"`
	Request  broker.OrderRequest `json:"request"`
	Result   broker.OrderResult  `json:"result"`
	Attempts int                 `json:"attempts"`
}

// CloseResult is one leg of a close-all.
type CloseResult struct {
	Position broker.Position    `json:"position"`
	Result   broker.OrderResult `json:"result"`
	Error    string             `json:"error,omitempty"`
}

// CloseReport aggregates a close-all.
type CloseReport struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []CloseResult `json:"results"`
}

// Coordinator serializes submissions to one venue.
type Coordinator struct {
	venue broker.Broker
	sink  audit.Sink
	log   zerolog.Logger

	mu     sync.Mutex
	cfg    Config
	state  State
	risk   risk.State
	shadow bool
	open   map[string]broker.Position

	// observed marks tracked tickets the venue has reported at least once, so
	// their Profit is a venue figure rather than the zero they were opened with.
	observed map[string]bool
}

// New returns an idle coordinator with a zero RiskState; the first Rollover dates it.
func New(venue broker.Broker, sink audit.Sink, cfg Config, shadow bool, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		venue:    venue,
		sink:     sink,
		log:      log.With().Str("component", "execution").Logger(),
		cfg:      normalize(cfg),
		shadow:   shadow,
		open:     make(map[string]broker.Position),
		observed: make(map[string]bool),
	}
}

func normalize(cfg Config) Config {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if len(cfg.Fills) == 0 {
		cfg.Fills = []broker.FillPolicy{broker.FillIOC, broker.FillFOK, broker.FillReturn}
	}
	return cfg
}

// SetConfig replaces the order/retry settings; takes effect on the next send.
func (c *Coordinator) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = normalize(cfg)
	c.mu.Unlock()
}

// SetShadow toggles shadow mode (intents audited, never submitted).
func (c *Coordinator) SetShadow(on bool) {
	c.mu.Lock()
	c.shadow = on
	c.mu.Unlock()
}

func (c *Coordinator) Shadow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadow
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RiskState returns a copy of the live counters.
func (c *Coordinator) RiskState() risk.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.risk
}

// Rollover applies the day transition; reports whether counters were reset.
func (c *Coordinator) Rollover(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, reset := c.risk.Rollover(now)
	c.risk = next
	if reset {
		c.publishRiskLocked()
	}
	return reset
}

func (c *Coordinator) publishRiskLocked() {
	metrics.SetRisk(c.risk.DailyTrades, c.risk.ConsecutiveLosses, c.risk.DailyPnL.InexactFloat64())
}

func (c *Coordinator) begin() (Config, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Submitting {
		return Config{}, false, ErrBusy
	}
	c.state = Submitting
	return c.cfg, c.shadow, nil
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
}

func newTag() string { return "scalp-" + uuid.NewString()[:8] }

// Execute submits one admitted ticket. A non-nil error is either ErrBusy or a
// transport failure that exhausted the retry budget; in the latter case the
// outcome is still REJECTED and audited.
func (c *Coordinator) Execute(ctx context.Context, t Ticket) (Outcome, error) {
	cfg, shadow, err := c.begin()
	if err != nil {
		return Outcome{}, err
	}
	defer c.finish()

	in, plan := t.Intent, t.Plan
	req := broker.OrderRequest{
		Symbol:     cfg.Symbol,
		Side:       in.Side,
		Volume:     plan.Volume,
		EntryPrice: in.EntryPrice,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Deviation:  cfg.Deviation,
		Magic:      cfg.Magic,
		Tag:        newTag(),
		Fill:       cfg.Fills[0],
	}
	rec := audit.Record{
		Time:       in.GeneratedAt,
		Symbol:     cfg.Symbol,
		Side:       string(in.Side),
		Entry:      in.EntryPrice,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Volume:     plan.Volume,
		Spread:     in.SpreadPoints,
		ATR:        in.ATR,
		ExitMode:   string(plan.Mode),
		Tag:        req.Tag,
	}

	if shadow {
		rec.Outcome = audit.OutcomeShadow
		rec.Reason = fmt.Sprintf("shadow mode, confidence %.0f", in.Confidence)
		c.write(ctx, rec)
		metrics.IncOrder("shadow", string(in.Side), string(audit.OutcomeShadow))
		c.log.Info().Str("side", string(in.Side)).Float64("entry", in.EntryPrice).
			Float64("sl", plan.StopLoss).Float64("tp", plan.TakeProfit).Float64("volume", plan.Volume).
			Msg("shadow order, not submitted")
		return Outcome{State: Idle, Shadow: true, Request: req}, nil
	}

	res, used, attempts, sendErr := c.submit(ctx, cfg, req)
	req.Fill = used
	out := Outcome{Request: req, Result: res, Attempts: attempts}
	rec.Attempts = attempts
	rec.Ticket = res.Ticket

	if res.Accepted {
		out.State = Accepted
		if res.FillPrice > 0 {
			rec.Entry = res.FillPrice
		}
		rec.Outcome = audit.OutcomeAccepted
		rec.Reason = "filled " + string(used)
		c.mu.Lock()
		c.state = Accepted
		c.risk = c.risk.RecordTrade()
		c.open[res.Ticket] = broker.Position{
			Ticket: res.Ticket, Symbol: cfg.Symbol, Side: in.Side, Volume: plan.Volume,
			OpenPrice: rec.Entry, CurrentPrice: rec.Entry, StopLoss: plan.StopLoss,
			TakeProfit: plan.TakeProfit, Magic: cfg.Magic, OpenTime: in.GeneratedAt,
		}
		c.publishRiskLocked()
		c.mu.Unlock()
		c.log.Info().Str("side", string(in.Side)).Str("ticket", res.Ticket).Float64("price", rec.Entry).
			Float64("volume", plan.Volume).Int("attempts", attempts).Msg("order accepted")
	} else {
		out.State = Rejected
		rec.Outcome = audit.OutcomeRejected
		rec.Reason = rejectReason(res, sendErr)
		c.mu.Lock()
		c.state = Rejected
		c.mu.Unlock()
		c.log.Warn().Str("side", string(in.Side)).Str("reason", string(res.Code)).Int("attempts", attempts).
			Msg("order rejected: " + rec.Reason)
	}
	metrics.IncOrder("live", string(in.Side), string(rec.Outcome))
	c.write(ctx, rec)
	if sendErr != nil {
		return out, fmt.Errorf("submit: %w", sendErr)
	}
	return out, nil
}

func rejectReason(res broker.OrderResult, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case res.Reason != "":
		return fmt.Sprintf("%s: %s", res.Code, res.Reason)
	case res.Code != broker.RejectNone:
		return string(res.Code)
	default:
		return "rejected"
	}
}

// submit sends req under the retry policy and returns the last result, the
// fill policy it used and the attempt count.
func (c *Coordinator) submit(ctx context.Context, cfg Config, req broker.OrderRequest) (broker.OrderResult, broker.FillPolicy, int, error) {
	fills := cfg.Fills
	idx := 0
	attempts := 0
	prev := broker.RejectNone

	policy := retrypolicy.NewBuilder[broker.OrderResult]().
		HandleIf(func(r broker.OrderResult, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			if r.Accepted {
				return false
			}
			if r.Code == broker.RejectInvalidFill {
				return idx+1 < len(fills)
			}
			return r.Code.Retryable()
		}).
		WithDelay(cfg.Backoff).
		WithMaxAttempts(cfg.MaxAttempts).
		ReturnLastFailure().
		Build()

	sctx := context.WithoutCancel(ctx)
	res, err := failsafe.With[broker.OrderResult](policy).WithContext(sctx).
		GetWithExecution(func(exec failsafe.Execution[broker.OrderResult]) (broker.OrderResult, error) {
			attempts = exec.Attempts()
			if prev == broker.RejectInvalidFill && idx+1 < len(fills) {
				idx++
			}
			req.Fill = fills[idx]
			metrics.IncSubmitAttempt(string(req.Fill))
			r, err := c.venue.SubmitOrder(sctx, req)
			if err != nil {
				prev = broker.RejectNone
				c.log.Warn().Err(err).Int("attempt", attempts).Msg("submit transport error")
				return broker.OrderResult{}, err
			}
			prev = r.Code
			if !r.Accepted {
				c.log.Debug().Int("attempt", attempts).Str("fill", string(req.Fill)).
					Str("code", string(r.Code)).Str("reason", r.Reason).Msg("submit rejected")
			}
			return r, nil
		})
	if err != nil && res.Code == broker.RejectNone {
		res = broker.OrderResult{Code: broker.RejectOther, Reason: err.Error()}
	}
	return res, fills[idx], attempts, err
}

func (c *Coordinator) write(ctx context.Context, rec audit.Record) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Write(context.WithoutCancel(ctx), rec); err != nil {
		c.log.Error().Err(err).Str("outcome", string(rec.Outcome)).Msg("audit write failed")
	}
}

// Reconcile compares the venue's open positions with the tracked set. Tracked
// positions (ours by ticket or magic) that disappeared are booked as closed and
// returned. The realized profit comes from the venue when it keeps history,
// else from the stop or target the last quote crossed, else from the last
// observed profit. A close whose outcome is still unknown is logged and left
// out of the risk state so it can neither reset nor extend the loss streak.
func (c *Coordinator) Reconcile(ctx context.Context, positions []broker.Position, q *broker.Quote, in *broker.Instrument) []broker.Position {
	c.mu.Lock()
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Symbol != "" && p.Symbol != c.cfg.Symbol {
			continue
		}
		if _, ok := c.open[p.Ticket]; ok || p.Magic == c.cfg.Magic {
			c.open[p.Ticket] = p
			c.observed[p.Ticket] = true
			seen[p.Ticket] = true
		}
	}
	type gone struct {
		pos      broker.Position
		observed bool
	}
	var vanished []gone
	for ticket, p := range c.open {
		if seen[ticket] {
			continue
		}
		vanished = append(vanished, gone{pos: p, observed: c.observed[ticket]})
		delete(c.open, ticket)
		delete(c.observed, ticket)
	}
	c.mu.Unlock()
	if len(vanished) == 0 {
		return nil
	}

	closed := make([]broker.Position, 0, len(vanished))
	type booked struct {
		pos    broker.Position
		source string
	}
	var known []booked
	for _, v := range vanished {
		p := v.pos
		profit, source := c.realized(ctx, p, v.observed, q, in)
		closed = append(closed, p)
		if source == "" {
			c.log.Warn().Str("ticket", p.Ticket).Str("side", string(p.Side)).
				Msg("position closed with unknown outcome, loss streak unchanged")
			continue
		}
		p.Profit = profit
		known = append(known, booked{pos: p, source: source})
	}

	c.mu.Lock()
	for _, b := range known {
		c.risk = c.risk.RecordClose(b.pos.Profit)
		metrics.ObserveClose(b.pos.Profit)
		c.log.Info().Str("ticket", b.pos.Ticket).Str("side", string(b.pos.Side)).Float64("profit", b.pos.Profit).
			Str("source", b.source).Int("consecutive_losses", c.risk.ConsecutiveLosses).Msg("position closed")
	}
	c.publishRiskLocked()
	c.mu.Unlock()
	return closed
}

// realized resolves the profit of a vanished position and names where it came
// from; an empty source means the outcome is unknown.
func (c *Coordinator) realized(ctx context.Context, p broker.Position, observed bool, q *broker.Quote, in *broker.Instrument) (float64, string) {
	if rep, ok := c.venue.(broker.CloseReporter); ok {
		profit, err := rep.ClosedProfit(ctx, p.Ticket)
		if err == nil {
			return profit, "venue"
		}
		c.log.Debug().Err(err).Str("ticket", p.Ticket).Msg("venue has no close record")
	}
	if q != nil && in != nil && in.Point > 0 && in.PointValue > 0 {
		if exit, hit := p.ExitCrossed(*q); hit {
			return p.ProfitAt(exit, in), "quote"
		}
	}
	if observed {
		return p.Profit, "last_seen"
	}
	return 0, ""
}

// Tracked returns the number of positions currently attributed to this engine.
func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// CloseAll sends an opposing order of equal volume for every position and
// reports per-position success. Each leg is audited.
func (c *Coordinator) CloseAll(ctx context.Context, positions []broker.Position) (CloseReport, error) {
	cfg, _, err := c.begin()
	if err != nil {
		return CloseReport{}, err
	}
	defer c.finish()

	var rep CloseReport
	for _, p := range positions {
		symbol := p.Symbol
		if symbol == "" {
			symbol = cfg.Symbol
		}
		req := broker.OrderRequest{
			Symbol:         symbol,
			Side:           p.Side.Opposite(),
			Volume:         p.Volume,
			EntryPrice:     p.CurrentPrice,
			Deviation:      cfg.Deviation,
			Magic:          cfg.Magic,
			Tag:            newTag(),
			Fill:           cfg.Fills[0],
			PositionTicket: p.Ticket,
		}
		res, _, attempts, sendErr := c.submit(ctx, cfg, req)
		leg := CloseResult{Position: p, Result: res}
		rec := audit.Record{
			Time: time.Now().UTC(), Symbol: symbol, Side: string(req.Side), Entry: p.CurrentPrice,
			Volume: p.Volume, Ticket: p.Ticket, Tag: req.Tag, Attempts: attempts, ExitMode: "close_all",
		}
		if res.Accepted {
			rep.Succeeded++
			rec.Outcome = audit.OutcomeClosed
			rec.Reason = fmt.Sprintf("closed, profit %.2f", p.Profit)
			if res.FillPrice > 0 {
				rec.Entry = res.FillPrice
			}
			c.mu.Lock()
			delete(c.open, p.Ticket)
			delete(c.observed, p.Ticket)
			c.risk = c.risk.RecordClose(p.Profit)
			c.publishRiskLocked()
			c.mu.Unlock()
			metrics.ObserveClose(p.Profit)
			c.log.Info().Str("ticket", p.Ticket).Float64("volume", p.Volume).Msg("position closed by close-all")
		} else {
			rep.Failed++
			rec.Outcome = audit.OutcomeCloseFailed
			rec.Reason = rejectReason(res, sendErr)
			if sendErr != nil {
				leg.Error = sendErr.Error()
			}
			c.log.Error().Str("ticket", p.Ticket).Str("reason", rec.Reason).Msg("close failed")
		}
		metrics.IncOrder("close", string(req.Side), string(rec.Outcome))
		c.write(ctx, rec)
		rep.Results = append(rep.Results, leg)
	}
	return rep, nil
}
