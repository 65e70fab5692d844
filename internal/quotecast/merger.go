package quotecast

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Skip describes a record the merger refused.
type Skip struct {
	Record domain.Record `json:"record"`
	Reason string        `json:"reason"`
}

// MergeResult is what one batch contributed to the table.
type MergeResult struct {
	Ticks   []domain.Tick `json:"ticks"`
	Skipped []Skip        `json:"skipped,omitempty"`
}

// Merger folds batches into a ticker table.
//
// With forward fill, a metric keeps its last value until the upstream
// reports a new one. Without it, each batch replaces the metrics of every
// known instrument: metrics the batch does not mention are dropped while
// the instrument itself stays in the table.
type Merger struct {
	forwardFill bool

	mu      sync.RWMutex
	table   domain.TickerTable
	skipped int64
}

// NewMerger returns a merger with an empty table.
func NewMerger(forwardFill bool) *Merger {
	return &Merger{
		forwardFill: forwardFill,
		table:       make(domain.TickerTable),
	}
}

// ForwardFill reports the merge mode.
func (m *Merger) ForwardFill() bool { return m.forwardFill }

// Apply merges batch into the table. Malformed records are skipped and
// reported; they never fail the batch. Readers observe either the table
// before the batch or after it, never a mix.
func (m *Merger) Apply(batch domain.Batch) MergeResult {
	res := parseBatch(batch)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.forwardFill {
		for id := range m.table {
			m.table[id] = make(map[string]any)
		}
	}
	for _, t := range res.Ticks {
		metrics, ok := m.table[t.Instrument]
		if !ok {
			metrics = make(map[string]any)
			m.table[t.Instrument] = metrics
		}
		metrics[t.Metric] = t.Value()
	}
	m.skipped += int64(len(res.Skipped))
	return res
}

// Snapshot returns a copy of the whole table.
func (m *Merger) Snapshot() domain.TickerTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Clone()
}

// Ticker returns a copy of one instrument's metrics.
func (m *Merger) Ticker(instrument string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics, ok := m.table[instrument]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(metrics))
	for k, v := range metrics {
		out[k] = v
	}
	return out, true
}

// Skipped returns the number of records refused since the last reset.
func (m *Merger) Skipped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipped
}

// Reset empties the table and the skip counter.
func (m *Merger) Reset() {
	m.mu.Lock()
	m.table = make(domain.TickerTable)
	m.skipped = 0
	m.mu.Unlock()
}

func parseBatch(batch domain.Batch) MergeResult {
	var res MergeResult
	for _, rec := range batch.Records {
		tick, reason := parseRecord(rec)
		if reason != "" {
			res.Skipped = append(res.Skipped, Skip{Record: rec, Reason: reason})
			continue
		}
		tick.SessionID = batch.SessionID
		tick.At = batch.ReceivedAt
		res.Ticks = append(res.Ticks, tick)
	}
	return res
}

// parseRecord returns the tick for rec, or a non-empty reason when the
// record cannot be applied.
func parseRecord(rec domain.Record) (domain.Tick, string) {
	switch {
	case rec.Instrument == "":
		return domain.Tick{}, "unknown instrument"
	case rec.Metric == "":
		return domain.Tick{}, "unknown metric"
	}

	tick := domain.Tick{
		Instrument: rec.Instrument,
		Metric:     rec.Metric,
		Kind:       rec.Kind,
	}
	switch rec.Kind {
	case domain.KindNumber:
		if isNull(rec.Value) || json.Unmarshal(rec.Value, &tick.Number) != nil {
			return domain.Tick{}, "type mismatch: expected number"
		}
	case domain.KindString:
		if isNull(rec.Value) || json.Unmarshal(rec.Value, &tick.Text) != nil {
			return domain.Tick{}, "type mismatch: expected string"
		}
	case domain.KindEmpty:
		if !isNull(rec.Value) {
			return domain.Tick{}, "type mismatch: expected no value"
		}
	default:
		return domain.Tick{}, "unknown value kind"
	}
	return tick, ""
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}
