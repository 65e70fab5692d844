package domain

import (
	"encoding/json"
	"time"
)

// ConnectionState is the lifecycle state of an upstream quotecast session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Common metric names. The upstream accepts many more; these are the ones
// the shipped configuration subscribes to.
const (
	MetricLastDate   = "LastDate"
	MetricLastTime   = "LastTime"
	MetricLastPrice  = "LastPrice"
	MetricLastVolume = "LastVolume"
	MetricAskPrice   = "AskPrice"
	MetricBidPrice   = "BidPrice"
)

// SubscriptionRequest is a delta against the desired subscription set:
// metrics to add and metrics to drop, keyed by instrument id.
type SubscriptionRequest struct {
	Subscriptions   map[string][]string `json:"subscriptions,omitempty"`
	Unsubscriptions map[string][]string `json:"unsubscriptions,omitempty"`
}

// Empty reports whether the request carries no change.
func (r SubscriptionRequest) Empty() bool {
	return len(r.Subscriptions) == 0 && len(r.Unsubscriptions) == 0
}

// ValueKind is the declared wire type of a field update.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindEmpty  ValueKind = "empty"
)

// Record is one field update as received in a poll cycle. Value is left
// undecoded; the merger parses it according to Kind.
type Record struct {
	Ref        int64           `json:"ref,omitempty"`
	Instrument string          `json:"instrument"`
	Metric     string          `json:"metric"`
	Kind       ValueKind       `json:"kind"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// Batch is the ordered set of records returned by one poll cycle.
type Batch struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Records    []Record  `json:"records"`
	ReceivedAt time.Time `json:"received_at"`
}

// TickerTable maps instrument id to metric name to latest value. Values are
// float64, string or nil (explicitly empty upstream).
type TickerTable map[string]map[string]any

// Clone returns a deep copy of the table.
func (t TickerTable) Clone() TickerTable {
	out := make(TickerTable, len(t))
	for id, metrics := range t {
		m := make(map[string]any, len(metrics))
		for k, v := range metrics {
			m[k] = v
		}
		out[id] = m
	}
	return out
}

// SessionStatus is a point-in-time view of a session for status endpoints.
type SessionStatus struct {
	State         string              `json:"state"`
	SessionID     string              `json:"session_id,omitempty"`
	Subscriptions map[string][]string `json:"subscriptions"`
	Reconnects    int64               `json:"reconnects"`
	LastFetchAt   *time.Time          `json:"last_fetch_at,omitempty"`
}
