// FILE: events.go
// Package engine – Events pushed to the presentation layer.
//
// The loop never blocks on a slow consumer: publish drops the event when the
// queue is full and counts the drop in metrics.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/chidi150c/scalper/internal/broker"
	"github.com/chidi150c/scalper/internal/metrics"
)

// EventType names an event payload.
type EventType string

const (
	EventLog        EventType = "log"
	EventStatus     EventType = "status"
	EventMarket     EventType = "market"
	EventIndicators EventType = "indicators"
	EventIntent     EventType = "intent"
	EventExecution  EventType = "execution"
	EventAccount    EventType = "account"
	EventPositions  EventType = "positions"
	EventRisk       EventType = "risk"
	EventCloseAll   EventType = "close_all"
)

// Event is one message on the engine's outbound queue.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// LogData mirrors a log line for display.
type LogData struct {
	Level   string `json:"level"`
	Stage   string `json:"stage,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// MarketData is the latest quote with its spread.
type MarketData struct {
	Symbol       string       `json:"symbol"`
	Quote        broker.Quote `json:"quote"`
	SpreadPoints float64      `json:"spread_points"`
}

func (e *Engine) publish(t EventType, data any) {
	ev := Event{Type: t, Time: e.now().UTC(), Data: data}
	select {
	case e.events <- ev:
	default:
		metrics.IncEventsDropped()
	}
}

func (e *Engine) publishLog(lvl zerolog.Level, stage, reason, msg string) {
	e.publish(EventLog, LogData{Level: lvl.String(), Stage: stage, Reason: reason, Message: msg})
}
