// FILE: audit.go
// Package audit – Append-only record of terminal order outcomes.
//
// One Record is written per terminal outcome: an accepted or rejected entry
// order, a shadow-mode intent, or each leg of a close-all. Sinks only append;
// nothing here reads records back for trading decisions.
//
// Sinks:
//   • CSVSink    – one CSV file, header on creation (csv.go)
//   • SQLiteSink – an `audit` table (sqlite.go)
//   • Multi      – fan-out to several sinks
package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is the terminal state of one order.
type Outcome string

const (
	OutcomeAccepted    Outcome = "ACCEPTED"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeShadow      Outcome = "SHADOW"
	OutcomeClosed      Outcome = "CLOSED"
	OutcomeCloseFailed Outcome = "CLOSE_FAILED"
)

// Record is one audit row.
type Record struct {
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Volume     float64   `json:"volume"`
	Outcome    Outcome   `json:"outcome"`
	Spread     float64   `json:"spread"`
	ATR        float64   `json:"atr"`
	ExitMode   string    `json:"exit_mode"`
	Reason     string    `json:"reason"`
	Ticket     string    `json:"ticket,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

// Multi writes every record to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps records in process. Used for dry runs and tests.
type Memory struct {
	mu   sync.Mutex
	recs []Record
}

func (m *Memory) Write(_ context.Context, r Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Records returns a copy of everything written so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...)
}
