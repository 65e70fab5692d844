package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TickStore persists merged ticks.
type TickStore interface {
	InsertBatch(ctx context.Context, ticks []Tick) error
	ListByInstrument(ctx context.Context, instrument string, opts ListOpts) ([]Tick, error)
	GetLastTimestamp(ctx context.Context) (time.Time, error)
	Close() error
}
