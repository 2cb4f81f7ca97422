// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//   1) flags, then config.Load: defaults → -config YAML → .env → process env
//   2) zerolog logger at the configured level
//   3) venue: MT5 bridge, optionally wrapped by the paper venue (-paper)
//   4) audit sinks: CSV file and/or SQLite table
//   5) engine.Start (fails hard when the venue is unavailable)
//   6) HTTP: /healthz, /metrics, /status, /events (WebSocket) and the
//      control routes /start, /stop, /config, /close-all, /shadow (routes.go)
//
// Flags:
//   -config <yaml>   Optional YAML config file
//   -env <file>      .env file (default .env, missing is fine)
//   -shadow=<bool>   Override shadow mode (log intents, never submit)
//   -paper           Simulate orders over the bridge's market data
//   -listen <addr>   HTTP listen address (overrides app.http_addr)
//   -log-level <l>   debug|info|warn|error
//
// Example:
//   go run ./cmd/scalper -config scalper.yaml -paper
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chidi150c/scalper/internal/audit"
	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/config"
	"github.com/chidi150c/scalper/internal/engine"
	"github.com/chidi150c/scalper/internal/logging"
	"github.com/chidi150c/scalper/internal/stream"
)

func main() {
	// ---- Flags ----
	configPath := flag.String("config", "", "Path to YAML config")
	envFile := flag.String("env", ".env", "Path to .env file")
	shadow := flag.String("shadow", "", "Override shadow mode (true|false)")
	paper := flag.Bool("paper", false, "Simulate orders locally over live market data")
	listen := flag.String("listen", "", "HTTP listen address")
	logLevel := flag.String("log-level", "", "Log level")
	flag.Parse()

	// ---- Environment & Config ----
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *shadow != "" {
		on, err := strconv.ParseBool(*shadow)
		if err != nil {
			fmt.Fprintf(os.Stderr, "-shadow: %v\n", err)
			os.Exit(2)
		}
		cfg.Execution.Shadow = on
	}
	if *paper {
		cfg.Venue.Kind = "paper"
	}
	if *listen != "" {
		cfg.App.HTTPAddr = *listen
	}
	if *logLevel != "" {
		cfg.App.LogLevel = *logLevel
	}
	log := logging.New(cfg.App.LogLevel, os.Stdout).With().Str("app", cfg.App.Name).Logger()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Venue wiring ----
	var venue broker.Broker = broker.NewBridgeBroker(cfg.Venue.BridgeURL, broker.BridgeOptions{
		Timeout:           cfg.Venue.Timeout,
		RequestsPerSecond: cfg.Venue.RequestsPerSecond,
		ReadRetries:       cfg.Venue.ReadRetries,
	})
	if cfg.Venue.Kind == "paper" {
		pb := broker.NewPaperBroker(venue, cfg.Venue.PaperBalance, cfg.Venue.PaperCurrency)
		if fill, _ := cfg.PaperRequireFill(); fill != "" {
			pb.RequireFill(fill)
		}
		venue = pb
	}

	// ---- Audit ----
	sink, err := openSinks(ctx, cfg.Audit, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	// ---- Engine ----
	eng, err := engine.New(venue, sink, cfg, log)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info().Str("venue", venue.Name()).Bool("shadow", cfg.Execution.Shadow).
		Str("symbol", cfg.Strategy.Symbol).Msg("scalper running")

	hub := stream.NewHub(log, cfg.App.EventBuffer, cfg.App.AllowedOrigins...)
	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           routes(ctx, eng, hub, cfg.App, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx, eng.Events()) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("serving /metrics /status /events")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// ---- Graceful shutdown ----
		if err := eng.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			log.Warn().Err(err).Msg("engine stop")
		}
		shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openSinks builds the audit fan-out. At least one sink must be configured.
func openSinks(ctx context.Context, a config.Audit, log zerolog.Logger) (audit.Sink, error) {
	var sinks audit.Multi
	if a.CSVPath != "" {
		s, err := audit.NewCSVSink(a.CSVPath)
		if err != nil {
			return nil, fmt.Errorf("audit csv: %w", err)
		}
		sinks = append(sinks, s)
	}
	if a.SQLitePath != "" {
		s, err := audit.NewSQLiteSink(a.SQLitePath)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("audit sqlite: %w", err)
		}
		if n, err := s.Count(ctx); err == nil {
			log.Info().Str("path", a.SQLitePath).Int("rows", n).Msg("audit table ready")
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, errors.New("no audit sink configured (audit.csv_path or audit.sqlite_path)")
	}
	return sinks, nil
}
