// FILE: routes.go
// Package main – HTTP surface of the scalper process.
//
// Read-only:
//   GET  /healthz            liveness
//   GET  /metrics            Prometheus
//   GET  /status             engine snapshot (JSON)
//   GET  /events             WebSocket event stream
//
// Control (POST only, guarded):
//   POST /start              start the loop (also after close-all halted it)
//   POST /stop               stop the loop; an in-flight submission finishes first
//   POST /config             YAML or JSON overlay of the running config
//   POST /close-all          close every position and halt
//   POST /shadow?on=<bool>   toggle shadow mode
//
// The guard requires the configured control token (Authorization: Bearer or
// X-Control-Token) and refuses browser requests from foreign origins, so a
// page the operator happens to visit cannot drive the engine.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chidi150c/scalper/internal/config"
	"github.com/chidi150c/scalper/internal/engine"
	"github.com/chidi150c/scalper/internal/metrics"
	"github.com/chidi150c/scalper/internal/stream"
)

const maxConfigBody = 1 << 20

// routes builds the mux. ctx is the process context; /start runs the engine
// under it rather than under the request.
func routes(ctx context.Context, eng *engine.Engine, hub *stream.Hub, app config.App, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/events", hub)
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, eng.Snapshot())
	})

	control := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(path, guard(app, log, h))
	}
	control("/start", func(w http.ResponseWriter, r *http.Request) {
		err := eng.Start(ctx)
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			log.Info().Str("remote", r.RemoteAddr).Msg("engine started over http")
			writeJSON(w, http.StatusOK, eng.Snapshot())
		}
	})
	control("/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("engine stopped over http")
		writeJSON(w, http.StatusOK, eng.Snapshot())
	})
	control("/config", func(w http.ResponseWriter, r *http.Request) {
		next, err := eng.Config().Overlay(io.LimitReader(r.Body, maxConfigBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := eng.UpdateConfig(r.Context(), next); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("config updated over http")
		writeJSON(w, http.StatusOK, eng.Config())
	})
	control("/close-all", func(w http.ResponseWriter, r *http.Request) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("close-all requested")
		rep, err := eng.CloseAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})
	control("/shadow", func(w http.ResponseWriter, r *http.Request) {
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			http.Error(w, "on must be true or false", http.StatusBadRequest)
			return
		}
		if err := eng.SetShadowMode(r.Context(), on); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"shadow": on})
	})
	return mux
}

// guard admits POSTs that carry the control token (when one is configured)
// and, when the browser sent an Origin, come from an allowed origin. With no
// allow-list only the server's own origin passes.
func guard(app config.App, log zerolog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if app.ControlToken != "" && !tokenMatches(r, app.ControlToken) {
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("control request without valid token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !originPermitted(app.AllowedOrigins, origin, r.Host) {
			log.Warn().Str("origin", origin).Str("path", r.URL.Path).Msg("control request from foreign origin")
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func tokenMatches(r *http.Request, want string) bool {
	got := r.Header.Get("X-Control-Token")
	if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func originPermitted(allowed []string, origin, host string) bool {
	if len(allowed) > 0 {
		return stream.OriginAllowed(allowed, origin)
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
