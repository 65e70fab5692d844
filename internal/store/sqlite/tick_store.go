// Package sqlite persists merged ticks in a local SQLite file for
// single-host recorder deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	instrument TEXT NOT NULL,
	metric     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	number     REAL,
	text       TEXT,
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_instrument_at ON ticks (instrument, at);`

// TickStore implements domain.TickStore on a SQLite database.
type TickStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*TickStore, error) {
	if path == "" {
		path = "quotecast.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=3000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &TickStore{db: db}, nil
}

// InsertBatch writes ticks in a single transaction.
func (s *TickStore) InsertBatch(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ticks (session_id, instrument, metric, kind, number, text, at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range ticks {
		var number, text any
		switch t.Kind {
		case domain.KindNumber:
			number = t.Number
		case domain.KindString:
			text = t.Text
		}
		if _, err := stmt.ExecContext(ctx, t.SessionID, t.Instrument, t.Metric, string(t.Kind),
			number, text, t.At.UnixNano()); err != nil {
			return fmt.Errorf("sqlite: insert tick %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// ListByInstrument returns ticks for instrument, newest first.
func (s *TickStore) ListByInstrument(ctx context.Context, instrument string, opts domain.ListOpts) ([]domain.Tick, error) {
	query := `SELECT session_id, instrument, metric, kind, number, text, at FROM ticks WHERE instrument = ?`
	args := []any{instrument}
	if opts.Since != nil {
		query += " AND at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND at <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	query += " ORDER BY at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ticks for %s: %w", instrument, err)
	}
	defer rows.Close()

	var out []domain.Tick
	for rows.Next() {
		var (
			t      domain.Tick
			kind   string
			number sql.NullFloat64
			text   sql.NullString
			at     int64
		)
		if err := rows.Scan(&t.SessionID, &t.Instrument, &t.Metric, &kind, &number, &text, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan tick: %w", err)
		}
		t.Kind = domain.ValueKind(kind)
		t.Number = number.Float64
		t.Text = text.String
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetLastTimestamp returns the newest tick time, or the zero time when empty.
func (s *TickStore) GetLastTimestamp(ctx context.Context) (time.Time, error) {
	var at sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(at) FROM ticks").Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("sqlite: get last tick timestamp: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, at.Int64).UTC(), nil
}

// Close closes the database.
func (s *TickStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
