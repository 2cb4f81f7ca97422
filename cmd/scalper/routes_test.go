package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/scalper/internal/audit"
	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/config"
	"github.com/chidi150c/scalper/internal/engine"
	"github.com/chidi150c/scalper/internal/stream"
)

// idleVenue passes the start checks and never has market data.
type idleVenue struct{}

func (idleVenue) Name() string { return "idle" }
func (idleVenue) GetQuote(context.Context, string) (*broker.Quote, error) {
	return nil, broker.ErrNoData
}
func (idleVenue) GetBars(context.Context, string, broker.Timeframe, int) ([]broker.Candle, error) {
	return nil, broker.ErrNoData
}
func (idleVenue) GetAccount(context.Context) (*broker.Account, error) {
	return &broker.Account{Balance: 10000, Equity: 10000, Currency: "USD"}, nil
}
func (idleVenue) GetInstrument(_ context.Context, symbol string) (*broker.Instrument, error) {
	return &broker.Instrument{Symbol: symbol, Point: 0.01, Digits: 2, VolumeMin: 0.01, VolumeMax: 100,
		VolumeStep: 0.01, PointValue: 1, Tradeable: true}, nil
}
func (idleVenue) SubmitOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{}, broker.ErrNotSupported
}
func (idleVenue) GetOpenPositions(context.Context, string) ([]broker.Position, error) {
	return nil, nil
}

func newServer(t *testing.T, app config.App) (http.Handler, *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	eng, err := engine.New(idleVenue{}, &audit.Memory{}, config.Default(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = eng.Stop()
		cancel()
	})
	return routes(ctx, eng, stream.NewHub(zerolog.Nop(), 1), app, zerolog.Nop()), eng
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartStopRoutes(t *testing.T) {
	h, eng := newServer(t, config.App{})

	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/stop", "", nil).Code)

	rec := do(h, http.MethodPost, "/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, eng.Running())
	assert.Contains(t, rec.Body.String(), `"status":"CONNECTED"`)
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/start", "", nil).Code)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stop", "", nil).Code)
	assert.False(t, eng.Running())

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/start", "", nil).Code)
}

func TestConfigRouteOverlaysRunningConfig(t *testing.T) {
	h, eng := newServer(t, config.App{})

	rec := do(h, http.MethodPost, "/config", "risk:\n  max_trades_per_day: 5\nstrategy:\n  cooldown: 45s\n", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := eng.Config()
	assert.Equal(t, 5, cfg.Risk.MaxTradesPerDay)
	assert.Equal(t, "XAUUSD", cfg.Strategy.Symbol)

	rec = do(h, http.MethodPost, "/config", `{"risk": {"risk_percent": 50}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "risk_percent")
	assert.Equal(t, 0.5, eng.Config().Risk.RiskPercent)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/config", "", nil).Code)
}

func TestControlRoutesRequireTokenAndOrigin(t *testing.T) {
	h, eng := newServer(t, config.App{ControlToken: "s3cret", AllowedOrigins: []string{"https://ops.example"}})
	require.True(t, eng.Snapshot().Shadow)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/shadow?on=false", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/close-all", "",
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/shadow?on=false", "",
		map[string]string{"Authorization": "Bearer s3cret", "Origin": "https://evil.example"}).Code)
	assert.True(t, eng.Snapshot().Shadow)

	rec := do(h, http.MethodPost, "/shadow?on=false", "",
		map[string]string{"X-Control-Token": "s3cret", "Origin": "https://ops.example"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, eng.Snapshot().Shadow)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/status", "", nil).Code, "reads stay open")
}

func TestControlRoutesSameOriginWithoutAllowList(t *testing.T) {
	h, eng := newServer(t, config.App{})

	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/shadow?on=false", "",
		map[string]string{"Origin": "http://evil.example"}).Code)
	assert.True(t, eng.Snapshot().Shadow)

	// httptest requests target example.com
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/shadow?on=false", "",
		map[string]string{"Origin": "http://example.com"}).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/shadow?on=true", "", nil).Code, "no Origin: not a browser")
	assert.True(t, eng.Snapshot().Shadow)
}
