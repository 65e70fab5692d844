// Package feed fans merged ticks out to live consumers: the Redis signal
// bus for websocket clients and NATS for downstream services.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Channel names on the signal bus.
const (
	ChannelTickerPrefix = "ch:ticker:"
	ChannelTickers      = ChannelTickerPrefix + "*"
	ChannelStatus       = "ch:status"
	StreamTicks         = "stream:ticks"
)

// TickerEvent is the payload published per instrument and poll cycle.
type TickerEvent struct {
	Event      string         `json:"event"`
	Instrument string         `json:"instrument"`
	Metrics    map[string]any `json:"metrics"`
	At         time.Time      `json:"at"`
}

// StatusEvent announces a session state change.
type StatusEvent struct {
	Event     string    `json:"event"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// BusPublisher publishes ticks on per-instrument Pub/Sub channels and
// appends them to a capped stream for late joiners.
type BusPublisher struct {
	bus domain.SignalBus
}

func NewBusPublisher(bus domain.SignalBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Name() string { return "bus" }

// PublishTicks groups ticks by instrument and emits one event each.
func (p *BusPublisher) PublishTicks(ctx context.Context, ticks []domain.Tick) error {
	for _, ev := range groupTicks(ticks) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("feed: marshal ticker event: %w", err)
		}
		if err := p.bus.Publish(ctx, ChannelTickerPrefix+ev.Instrument, payload); err != nil {
			return err
		}
		if err := p.bus.StreamAppend(ctx, StreamTicks, payload); err != nil {
			return err
		}
	}
	return nil
}

// PublishStatus emits a session status event.
func (p *BusPublisher) PublishStatus(ctx context.Context, ev StatusEvent) error {
	ev.Event = "status"
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: marshal status event: %w", err)
	}
	return p.bus.Publish(ctx, ChannelStatus, payload)
}

// groupTicks folds ticks into one event per instrument, sorted by id.
// Later ticks for the same metric win.
func groupTicks(ticks []domain.Tick) []TickerEvent {
	byID := make(map[string]*TickerEvent)
	for _, t := range ticks {
		ev, ok := byID[t.Instrument]
		if !ok {
			ev = &TickerEvent{Event: "ticker", Instrument: t.Instrument, Metrics: map[string]any{}}
			byID[t.Instrument] = ev
		}
		ev.Metrics[t.Metric] = t.Value()
		if t.At.After(ev.At) {
			ev.At = t.At
		}
	}
	out := make([]TickerEvent, 0, len(byID))
	for _, ev := range byID {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

var _ domain.TickPublisher = (*BusPublisher)(nil)
