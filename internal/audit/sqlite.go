// FILE: sqlite.go
// Package audit – SQLite table sink.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	symbol      TEXT    NOT NULL,
	side        TEXT    NOT NULL,
	entry       REAL    NOT NULL,
	stop_loss   REAL    NOT NULL,
	take_profit REAL    NOT NULL,
	volume      REAL    NOT NULL,
	outcome     TEXT    NOT NULL,
	spread      REAL    NOT NULL,
	atr         REAL    NOT NULL,
	exit_mode   TEXT    NOT NULL,
	reason      TEXT    NOT NULL,
	ticket      TEXT    NOT NULL,
	tag         TEXT    NOT NULL,
	attempts    INTEGER NOT NULL
)`

// SQLiteSink inserts one row per record.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens dbPath, enables WAL and creates the table if missing.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, r Record) error {
	const q = `INSERT INTO audit (ts, symbol, side, entry, stop_loss, take_profit, volume, outcome,
		spread, atr, exit_mode, reason, ticket, tag, attempts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, r.Time.UnixNano(), r.Symbol, r.Side, r.Entry, r.StopLoss, r.TakeProfit,
		r.Volume, string(r.Outcome), r.Spread, r.ATR, r.ExitMode, r.Reason, r.Ticket, r.Tag, r.Attempts)
	if err != nil {
		return fmt.Errorf("failed to write audit row: %w", err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
