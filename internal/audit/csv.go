// FILE: csv.go
// Package audit – CSV file sink.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"timestamp", "symbol", "side", "entry", "stop_loss", "take_profit", "volume",
	"outcome", "spread", "atr", "exit_mode", "reason", "ticket", "tag", "attempts",
}

// CSVSink appends rows to a single file. The header is written only when the
// file is new or empty.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewCSVSink creates/opens path for appending.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	s := &CSVSink{file: file, w: csv.NewWriter(file)}
	if st.Size() == 0 {
		if err := s.w.Write(csvHeader); err != nil {
			_ = file.Close()
			return nil, err
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return s, nil
}

func f64(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Write appends one row and flushes it.
func (s *CSVSink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("audit csv sink closed")
	}
	row := []string{
		r.Time.UTC().Format(time.RFC3339), r.Symbol, r.Side,
		f64(r.Entry), f64(r.StopLoss), f64(r.TakeProfit), f64(r.Volume),
		string(r.Outcome), f64(r.Spread), f64(r.ATR), r.ExitMode, r.Reason,
		r.Ticket, r.Tag, strconv.Itoa(r.Attempts),
	}
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file handle.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := errors.Join(s.w.Error(), s.file.Close())
	s.file = nil
	return err
}
