// Fetch bars from the MT5 bridge, write them as CSV and print the indicator
// snapshot the engine would compute from the same window.
//
// Usage examples:
//
//	BRIDGE_URL=http://localhost:8787 go run ./cmd/backfill \
//	  -symbol XAUUSD -tf M1 -count 500 -out data/XAUUSD_M1.csv
//
// Notes:
//   - The CSV header is: time,open,high,low,close,volume (RFC3339 UTC times).
//   - Indicator periods come from the same config sources as the engine.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/config"
	"github.com/chidi150c/scalper/internal/indicator"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		symbol     = flag.String("symbol", "", "Symbol (default: strategy.symbol)")
		tf         = flag.String("tf", "M1", "Timeframe (M1, M5, M15, H1)")
		count      = flag.Int("count", 500, "Bars to fetch")
		outPath    = flag.String("out", "", "Output CSV path (default data/<symbol>_<tf>.csv)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		fail(err)
	}
	if *symbol == "" {
		*symbol = cfg.Strategy.Symbol
	}
	if *outPath == "" {
		*outPath = filepath.Join("data", fmt.Sprintf("%s_%s.csv", *symbol, *tf))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	venue := broker.NewBridgeBroker(cfg.Venue.BridgeURL, broker.BridgeOptions{
		Timeout:     cfg.Venue.Timeout,
		ReadRetries: cfg.Venue.ReadRetries,
	})
	bars, err := venue.GetBars(ctx, *symbol, broker.Timeframe(*tf), *count)
	if err != nil {
		fail(fmt.Errorf("bars: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		fail(err)
	}
	f, err := os.Create(*outPath)
	if err != nil {
		fail(err)
	}
	if err := writeCSV(f, bars); err != nil {
		_ = f.Close()
		fail(err)
	}
	if err := f.Close(); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s (%d rows)\n", *outPath, len(bars))

	snap, err := indicator.Build(bars, cfg.Strategy.Periods, broker.Timeframe(*tf))
	if errors.Is(err, indicator.ErrInsufficientData) {
		fmt.Printf("snapshot: %v\n", err)
		return
	}
	fmt.Printf("snapshot %s @ %s: close=%.5f ema=%.5f/%.5f/%.5f rsi=%.1f atr=%.5f\n",
		snap.Timeframe, snap.BarTime.Format(time.RFC3339), snap.Close,
		snap.EMAFast, snap.EMAMedium, snap.EMASlow, snap.RSI, snap.ATR)
}

func writeCSV(w io.Writer, bars []broker.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{b.Time.UTC().Format(time.RFC3339), num(b.Open), num(b.High), num(b.Low), num(b.Close), num(b.Volume)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// num formats without scientific notation.
func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func fail(err error) {
	fmt.Fprintf(os.Stderr, "backfill: %v\n", err)
	os.Exit(1)
}
