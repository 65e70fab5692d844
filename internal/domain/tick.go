package domain

import (
	"context"
	"time"
)

// Tick is a single merged metric value. It is the unit sinks persist and
// publish; Number is set for KindNumber, Text for KindString.
type Tick struct {
	SessionID  string    `json:"session_id,omitempty"`
	Instrument string    `json:"instrument"`
	Metric     string    `json:"metric"`
	Kind       ValueKind `json:"kind"`
	Number     float64   `json:"number,omitempty"`
	Text       string    `json:"text,omitempty"`
	At         time.Time `json:"at"`
}

// Value returns the tick value in ticker-table form.
func (t Tick) Value() any {
	switch t.Kind {
	case KindNumber:
		return t.Number
	case KindString:
		return t.Text
	default:
		return nil
	}
}

// TickPublisher pushes merged ticks to downstream consumers.
type TickPublisher interface {
	PublishTicks(ctx context.Context, ticks []Tick) error
	Name() string
}
