package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// TickStore implements domain.TickStore using PostgreSQL.
type TickStore struct {
	pool *pgxpool.Pool
}

// NewTickStore creates a TickStore backed by the given pool.
func NewTickStore(pool *pgxpool.Pool) *TickStore {
	return &TickStore{pool: pool}
}

var tickColumns = []string{"session_id", "instrument", "metric", "kind", "number", "text", "at"}

// InsertBatch copies ticks into the ticks table in one round trip.
func (s *TickStore) InsertBatch(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	rows := pgx.CopyFromSlice(len(ticks), func(i int) ([]any, error) {
		number, text := tickValues(ticks[i])
		t := ticks[i]
		return []any{t.SessionID, t.Instrument, t.Metric, string(t.Kind), number, text, t.At}, nil
	})
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"ticks"}, tickColumns, rows); err != nil {
		return fmt.Errorf("postgres: copy %d ticks: %w", len(ticks), err)
	}
	return nil
}

// ListByInstrument returns ticks for instrument, newest first.
func (s *TickStore) ListByInstrument(ctx context.Context, instrument string, opts domain.ListOpts) ([]domain.Tick, error) {
	query := `SELECT session_id, instrument, metric, kind, number, text, at FROM ticks WHERE instrument = $1`
	args := []any{instrument}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ticks for %s: %w", instrument, err)
	}
	defer rows.Close()

	var out []domain.Tick
	for rows.Next() {
		var (
			t      domain.Tick
			kind   string
			number *float64
			text   *string
		)
		if err := rows.Scan(&t.SessionID, &t.Instrument, &t.Metric, &kind, &number, &text, &t.At); err != nil {
			return nil, fmt.Errorf("postgres: scan tick: %w", err)
		}
		t.Kind = domain.ValueKind(kind)
		if number != nil {
			t.Number = *number
		}
		if text != nil {
			t.Text = *text
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetLastTimestamp returns the most recent tick time, or the zero time if
// the table is empty.
func (s *TickStore) GetLastTimestamp(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, "SELECT MAX(at) FROM ticks").Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("postgres: get last tick timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// Close is a no-op; the pool belongs to the Client.
func (s *TickStore) Close() error { return nil }

// tickValues maps a tick onto the nullable number/text columns.
func tickValues(t domain.Tick) (*float64, *string) {
	switch t.Kind {
	case domain.KindNumber:
		n := t.Number
		return &n, nil
	case domain.KindString:
		s := t.Text
		return nil, &s
	default:
		return nil, nil
	}
}
