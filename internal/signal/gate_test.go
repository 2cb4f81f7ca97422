package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chidi150c/scalper/internal/indicator"
	"github.com/chidi150c/scalper/internal/strategy"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func intentAt(generated, bar time.Time) strategy.Intent {
	return strategy.Intent{GeneratedAt: generated, Fast: indicator.Snapshot{BarTime: bar}}
}

func TestCooldownBoundary(t *testing.T) {
	g := NewGate(30 * time.Second)

	ok, reason := g.Admit(intentAt(t0, t0))
	assert.True(t, ok)
	assert.Equal(t, ReasonNone, reason)

	ok, reason = g.Admit(intentAt(t0.Add(29*time.Second), t0.Add(time.Minute)))
	assert.False(t, ok)
	assert.Equal(t, ReasonCooldown, reason)

	ok, _ = g.Admit(intentAt(t0.Add(30*time.Second), t0.Add(time.Minute)))
	assert.True(t, ok, "intent at the cooldown boundary is admitted")
	assert.Equal(t, t0.Add(30*time.Second), g.LastAccepted())
}

func TestDroppedIntentDoesNotExtendCooldown(t *testing.T) {
	g := NewGate(30 * time.Second)
	g.Admit(intentAt(t0, t0))
	g.Admit(intentAt(t0.Add(20*time.Second), t0.Add(time.Minute)))

	ok, _ := g.Admit(intentAt(t0.Add(31*time.Second), t0.Add(2*time.Minute)))
	assert.True(t, ok)
}

func TestSameBarSuppressed(t *testing.T) {
	g := NewGate(0)
	assert.True(t, g.Fresh(t0))

	ok, _ := g.Admit(intentAt(t0, t0))
	assert.True(t, ok)
	assert.False(t, g.Fresh(t0))
	assert.True(t, g.Fresh(t0.Add(time.Minute)))

	ok, reason := g.Admit(intentAt(t0.Add(time.Hour), t0))
	assert.False(t, ok)
	assert.Equal(t, ReasonSameBar, reason)
}

func TestReset(t *testing.T) {
	g := NewGate(time.Hour)
	g.Admit(intentAt(t0, t0))
	g.Reset()
	assert.True(t, g.LastAccepted().IsZero())
	ok, _ := g.Admit(intentAt(t0.Add(time.Second), t0))
	assert.True(t, ok)
}
