// FILE: broker_bridge.go
// Package broker – HTTP broker that talks to the local venue sidecar.
//
// The sidecar fronts the MetaTrader 5 terminal and exposes a small JSON API:
//   • GET  /quote?symbol=...                       -> {bid, ask, time}
//   • GET  /bars?symbol=...&timeframe=...&count=... -> [{time, open, high, low, close, volume}]
//   • GET  /account                                -> {balance, equity, margin, margin_free, currency}
//   • GET  /instrument?symbol=...                  -> {point, digits, volume_*, tick_value, tick_size, trade_mode}
//   • GET  /positions?symbol=...                   -> [{ticket, type, volume, price_open, ...}]
//   • GET  /history/position?ticket=...            -> {ticket, profit} (sum of the position's deals)
//   • POST /order                                  -> {retcode, order, price, comment}
//   • POST /connect                                -> {connected}
//
// Reads go through a failsafe-go retry policy (network errors and 5xx only)
// and a token-bucket limiter so a tight poll cadence cannot flood the terminal.
// Orders are sent exactly once per call; the execution coordinator owns order
// retries because it must switch fill policy between attempts.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// MT5 trade server return codes the bridge forwards verbatim.
const (
	retcodePlaced       = 10008
	retcodeDone         = 10009
	retcodeRequote      = 10004
	retcodeTimeout      = 10012
	retcodeInvalidStops = 10016
	retcodeMarketClosed = 10018
	retcodeNoMoney      = 10019
	retcodePriceChanged = 10020
	retcodeInvalidFill  = 10030
)

// BridgeOptions tunes the HTTP client.
type BridgeOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	ReadRetries       int
}

type bridgeReply struct {
	status int
	body   []byte
}

// BridgeBroker talks to the local venue sidecar.
type BridgeBroker struct {
	base    string
	hc      *http.Client
	limiter *rate.Limiter
	reads   failsafe.Executor[*bridgeReply]
}

// NewBridgeBroker normalizes the base URL and builds the resilient client.
func NewBridgeBroker(base string, opts BridgeOptions) *BridgeBroker {
	base = strings.TrimSpace(base)
	if i := strings.IndexAny(base, " \t#"); i >= 0 { // cut trailing comment/space
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	base = strings.TrimRight(base, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	}

	retry := retrypolicy.NewBuilder[*bridgeReply]().
		HandleIf(func(r *bridgeReply, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r != nil && (r.status >= 500 || r.status == http.StatusTooManyRequests)
		}).
		WithBackoff(50*time.Millisecond, 500*time.Millisecond).
		WithMaxRetries(opts.ReadRetries).
		ReturnLastFailure().
		Build()

	return &BridgeBroker{
		base:    base,
		hc:      &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1),
		reads:   failsafe.With[*bridgeReply](retry),
	}
}

func (bb *BridgeBroker) Name() string { return "mt5-bridge" }

// --- transport ---

func (bb *BridgeBroker) send(ctx context.Context, method, path string, q url.Values, body []byte) (*bridgeReply, error) {
	if err := bb.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := bb.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("newrequest %s: %w (url=%s)", path, err, u)
	}
	req.Header.Set("User-Agent", "scalper/bridge")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := bb.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrDisconnected, path, err)
	}
	return &bridgeReply{status: res.StatusCode, body: b}, nil
}

// get performs a retried read and maps empty answers to ErrNoData.
func (bb *BridgeBroker) get(ctx context.Context, path string, q url.Values) (gjson.Result, error) {
	reply, err := bb.reads.WithContext(ctx).Get(func() (*bridgeReply, error) {
		return bb.send(ctx, http.MethodGet, path, q, nil)
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return decodeReply(path, reply)
}

func decodeReply(path string, reply *bridgeReply) (gjson.Result, error) {
	switch {
	case reply.status == http.StatusNotFound || reply.status == http.StatusNoContent:
		return gjson.Result{}, fmt.Errorf("%s: %w", path, ErrNoData)
	case reply.status == http.StatusServiceUnavailable:
		return gjson.Result{}, fmt.Errorf("%s: %w", path, ErrDisconnected)
	case reply.status >= 300:
		return gjson.Result{}, fmt.Errorf("%s %d: %s", path, reply.status, strings.TrimSpace(string(reply.body)))
	}
	body := bytes.TrimSpace(reply.body)
	if len(body) == 0 || string(body) == "null" {
		return gjson.Result{}, fmt.Errorf("%s: %w", path, ErrNoData)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s: invalid json", path)
	}
	return gjson.ParseBytes(body), nil
}

// parseTime accepts unix seconds or RFC3339.
func parseTime(r gjson.Result) time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	if r.Type == gjson.Number {
		return time.Unix(r.Int(), 0).UTC()
	}
	s := strings.TrimSpace(r.String())
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	return time.Time{}
}

// --- market data ---

func (bb *BridgeBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	r, err := bb.get(ctx, "/quote", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	q := &Quote{Bid: r.Get("bid").Float(), Ask: r.Get("ask").Float(), Time: parseTime(r.Get("time"))}
	if q.Bid <= 0 || q.Ask <= 0 {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNoData)
	}
	if q.Time.IsZero() {
		q.Time = time.Now().UTC()
	}
	return q, nil
}

func (bb *BridgeBroker) GetBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Candle, error) {
	if count <= 0 {
		count = 200
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", string(tf))
	q.Set("count", strconv.Itoa(count))
	r, err := bb.get(ctx, "/bars", q)
	if err != nil {
		return nil, err
	}
	rows := r.Array()
	if len(rows) == 0 {
		return nil, fmt.Errorf("bars %s %s: %w", symbol, tf, ErrNoData)
	}
	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, Candle{
			Time:   parseTime(row.Get("time")),
			Open:   row.Get("open").Float(),
			High:   row.Get("high").Float(),
			Low:    row.Get("low").Float(),
			Close:  row.Get("close").Float(),
			Volume: row.Get("volume").Float(),
		})
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// --- account & instrument ---

func (bb *BridgeBroker) GetAccount(ctx context.Context) (*Account, error) {
	r, err := bb.get(ctx, "/account", nil)
	if err != nil {
		return nil, err
	}
	return &Account{
		Balance:    r.Get("balance").Float(),
		Equity:     r.Get("equity").Float(),
		Margin:     r.Get("margin").Float(),
		FreeMargin: r.Get("margin_free").Float(),
		Currency:   r.Get("currency").String(),
	}, nil
}

func (bb *BridgeBroker) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	r, err := bb.get(ctx, "/instrument", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	point := r.Get("point").Float()
	tickValue := r.Get("tick_value").Float()
	tickSize := r.Get("tick_size").Float()
	pointValue := tickValue
	if tickSize > 0 && point > 0 {
		pointValue = tickValue * point / tickSize
	}
	tradeable := r.Get("tradeable").Bool()
	if mode := r.Get("trade_mode"); mode.Exists() {
		// SYMBOL_TRADE_MODE_FULL
		tradeable = mode.Int() == 4 || strings.EqualFold(mode.String(), "full")
	}
	return &Instrument{
		Symbol:     firstNonEmpty(r.Get("symbol").String(), symbol),
		Point:      point,
		Digits:     int(r.Get("digits").Int()),
		VolumeMin:  r.Get("volume_min").Float(),
		VolumeMax:  r.Get("volume_max").Float(),
		VolumeStep: r.Get("volume_step").Float(),
		PointValue: pointValue,
		Tradeable:  tradeable,
	}, nil
}

// --- orders ---

// SubmitOrder sends one order. Venue refusals come back as OrderResult values;
// an error means the request never got a definitive answer.
func (bb *BridgeBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	bs, err := json.Marshal(req)
	if err != nil {
		return OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	reply, err := bb.send(ctx, http.MethodPost, "/order", nil, bs)
	if err != nil {
		return OrderResult{}, err
	}
	if reply.status >= 500 {
		return OrderResult{}, fmt.Errorf("%w: order %d: %s", ErrDisconnected, reply.status, strings.TrimSpace(string(reply.body)))
	}
	if !gjson.ValidBytes(reply.body) {
		return OrderResult{}, fmt.Errorf("order %d: invalid json", reply.status)
	}
	r := gjson.ParseBytes(reply.body)
	code := int(r.Get("retcode").Int())
	res := OrderResult{
		Ticket:    r.Get("order").String(),
		FillPrice: r.Get("price").Float(),
		Reason:    firstNonEmpty(r.Get("comment").String(), fmt.Sprintf("retcode %d", code)),
	}
	if code == retcodeDone || code == retcodePlaced {
		res.Accepted = true
		res.Reason = ""
		return res, nil
	}
	res.Code = classifyRetcode(code)
	return res, nil
}

func classifyRetcode(code int) RejectCode {
	switch code {
	case retcodeInvalidFill:
		return RejectInvalidFill
	case retcodeRequote:
		return RejectRequote
	case retcodePriceChanged:
		return RejectPriceChanged
	case retcodeTimeout:
		return RejectTimeout
	case retcodeNoMoney:
		return RejectNoMoney
	case retcodeInvalidStops:
		return RejectInvalidStops
	case retcodeMarketClosed:
		return RejectMarketClosed
	default:
		return RejectOther
	}
}

// --- positions ---

func (bb *BridgeBroker) GetOpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	r, err := bb.get(ctx, "/positions", url.Values{"symbol": {symbol}})
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil, nil
		}
		return nil, err
	}
	rows := r.Array()
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		side := SideBuy
		if t := row.Get("type"); (t.Type == gjson.Number && t.Int() == 1) || strings.EqualFold(t.String(), "SELL") {
			side = SideSell
		}
		out = append(out, Position{
			Ticket:       row.Get("ticket").String(),
			Symbol:       firstNonEmpty(row.Get("symbol").String(), symbol),
			Side:         side,
			Volume:       row.Get("volume").Float(),
			OpenPrice:    row.Get("price_open").Float(),
			CurrentPrice: row.Get("price_current").Float(),
			StopLoss:     row.Get("sl").Float(),
			TakeProfit:   row.Get("tp").Float(),
			Profit:       row.Get("profit").Float(),
			Magic:        row.Get("magic").Int(),
			OpenTime:     parseTime(row.Get("time")),
		})
	}
	return out, nil
}

// ClosedProfit asks the sidecar for the realized profit of a closed position.
func (bb *BridgeBroker) ClosedProfit(ctx context.Context, ticket string) (float64, error) {
	r, err := bb.get(ctx, "/history/position", url.Values{"ticket": {ticket}})
	if err != nil {
		return 0, err
	}
	profit := r.Get("profit")
	if !profit.Exists() {
		return 0, fmt.Errorf("/history/position: %w: no profit for ticket %s", ErrNoData, ticket)
	}
	return profit.Float(), nil
}

// Reconnect asks the sidecar to re-initialize its terminal session.
func (bb *BridgeBroker) Reconnect(ctx context.Context) error {
	reply, err := bb.send(ctx, http.MethodPost, "/connect", nil, []byte("{}"))
	if err != nil {
		return err
	}
	r, err := decodeReply("/connect", reply)
	if err != nil {
		return err
	}
	if !r.Get("connected").Bool() {
		return fmt.Errorf("%w: %s", ErrDisconnected, firstNonEmpty(r.Get("error").String(), "terminal refused connection"))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
