// FILE: gate.go
// Package signal – Intent deduplication.
//
// The Gate keeps two pieces of memory across cycles:
//   • the generation time of the last admitted intent (cooldown)
//   • the fast-timeframe bar that produced it (same-bar suppression)
//
// A dropped intent is not an error; the caller logs the reason and moves on.
package signal

import (
	"sync"
	"time"

	"github.com/chidi150c/scalper/internal/strategy"
)

// Reason explains why an intent was dropped.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonCooldown Reason = "cooldown"
	ReasonSameBar  Reason = "same_bar"
)

// Gate suppresses repeated intents. Safe for concurrent use.
type Gate struct {
	mu           sync.Mutex
	cooldown     time.Duration
	lastAccepted time.Time
	lastBar      time.Time
}

// NewGate returns a gate with the given cooldown.
func NewGate(cooldown time.Duration) *Gate {
	return &Gate{cooldown: cooldown}
}

// SetCooldown changes the cooldown without clearing memory.
func (g *Gate) SetCooldown(d time.Duration) {
	g.mu.Lock()
	g.cooldown = d
	g.mu.Unlock()
}

// Fresh reports whether barTime has not already produced an admitted intent.
func (g *Gate) Fresh(barTime time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastBar.IsZero() || barTime.After(g.lastBar)
}

// Admit records the intent when it passes both checks. An intent generated
// exactly one cooldown after the last admitted one passes.
func (g *Gate) Admit(in strategy.Intent) (bool, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bar := in.BarTime()
	if !g.lastBar.IsZero() && !bar.After(g.lastBar) {
		return false, ReasonSameBar
	}
	if !g.lastAccepted.IsZero() && in.GeneratedAt.Sub(g.lastAccepted) < g.cooldown {
		return false, ReasonCooldown
	}
	g.lastAccepted = in.GeneratedAt
	g.lastBar = bar
	return true, ReasonNone
}

// LastAccepted returns the generation time of the last admitted intent.
func (g *Gate) LastAccepted() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAccepted
}

// Reset forgets all history.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.lastAccepted = time.Time{}
	g.lastBar = time.Time{}
	g.mu.Unlock()
}
