package quotecast

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

func numRec(instrument, metric string, v string) domain.Record {
	return domain.Record{Instrument: instrument, Metric: metric, Kind: domain.KindNumber, Value: json.RawMessage(v)}
}

func strRec(instrument, metric string, v string) domain.Record {
	b, _ := json.Marshal(v)
	return domain.Record{Instrument: instrument, Metric: metric, Kind: domain.KindString, Value: b}
}

func batchOf(recs ...domain.Record) domain.Batch {
	return domain.Batch{ID: "b", SessionID: "s", Records: recs, ReceivedAt: time.Unix(1700000000, 0).UTC()}
}

func TestMergerEndToEnd(t *testing.T) {
	first := batchOf(numRec("X", "LastPrice", "101.5"))

	ff := NewMerger(true)
	ff.Apply(first)
	want := domain.TickerTable{"X": {"LastPrice": 101.5}}
	if got := ff.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("after first batch = %v, want %v", got, want)
	}
	ff.Apply(batchOf())
	if got := ff.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("forward fill after empty batch = %v, want %v", got, want)
	}

	plain := NewMerger(false)
	plain.Apply(first)
	plain.Apply(batchOf())
	if got := plain.Snapshot(); !reflect.DeepEqual(got, domain.TickerTable{"X": {}}) {
		t.Fatalf("no forward fill after empty batch = %v", got)
	}
}

func TestMergerForwardFillIdempotent(t *testing.T) {
	b := batchOf(
		numRec("X", "LastPrice", "10"),
		strRec("X", "LastDate", "2024-01-02"),
		numRec("Y", "BidPrice", "3.25"),
		numRec("X", "LastPrice", "11"),
	)

	once := NewMerger(true)
	once.Apply(b)
	twice := NewMerger(true)
	twice.Apply(b)
	twice.Apply(b)

	if !reflect.DeepEqual(once.Snapshot(), twice.Snapshot()) {
		t.Fatalf("once %v != twice %v", once.Snapshot(), twice.Snapshot())
	}
	v, _ := once.Ticker("X")
	if v["LastPrice"] != 11.0 {
		t.Fatalf("records must apply in order, LastPrice = %v", v["LastPrice"])
	}
}

func TestMergerDropsOmittedMetrics(t *testing.T) {
	m := NewMerger(false)
	m.Apply(batchOf(numRec("X", "LastPrice", "1"), numRec("X", "BidPrice", "0.9")))
	m.Apply(batchOf(numRec("X", "LastPrice", "2")))

	got, ok := m.Ticker("X")
	assert.True(t, ok)
	if !reflect.DeepEqual(got, map[string]any{"LastPrice": 2.0}) {
		t.Fatalf("X = %v", got)
	}
}

func TestMergerSkipsMalformedRecords(t *testing.T) {
	m := NewMerger(true)
	res := m.Apply(batchOf(
		numRec("X", "LastPrice", "101.5"),
		numRec("X", "BidPrice", `"oops"`),
		numRec("", "LastPrice", "1"),
		domain.Record{Instrument: "X", Kind: domain.KindNumber, Value: json.RawMessage("1")},
		domain.Record{Instrument: "X", Metric: "AskPrice", Kind: "weird"},
	))

	assert.EqualInt(t, 1, len(res.Ticks))
	assert.EqualInt(t, 4, len(res.Skipped))
	assert.EqualStrings(t, "type mismatch: expected number", res.Skipped[0].Reason)
	assert.EqualStrings(t, "unknown instrument", res.Skipped[1].Reason)
	assert.EqualInt(t, 4, int(m.Skipped()))

	if got := m.Snapshot(); !reflect.DeepEqual(got, domain.TickerTable{"X": {"LastPrice": 101.5}}) {
		t.Fatalf("table = %v", got)
	}
}

func TestMergerEmptyValueAndTicks(t *testing.T) {
	m := NewMerger(true)
	res := m.Apply(batchOf(
		numRec("X", "LastPrice", "5"),
		domain.Record{Instrument: "X", Metric: "LastPrice", Kind: domain.KindEmpty},
	))

	v, _ := m.Ticker("X")
	if val, ok := v["LastPrice"]; !ok || val != nil {
		t.Fatalf("explicit empty should store nil, got %v (present=%v)", val, ok)
	}
	assert.EqualStrings(t, "s", res.Ticks[0].SessionID)
	if !res.Ticks[0].At.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("tick time = %v", res.Ticks[0].At)
	}
}

func TestMergerSnapshotIsCopy(t *testing.T) {
	m := NewMerger(true)
	m.Apply(batchOf(numRec("X", "LastPrice", "1")))

	snap := m.Snapshot()
	snap["X"]["LastPrice"] = 42.0
	v, _ := m.Ticker("X")
	if v["LastPrice"] != 1.0 {
		t.Fatal("snapshot aliases the live table")
	}

	m.Reset()
	assert.EqualInt(t, 0, len(m.Snapshot()))
}

// Every batch sets all of its metrics to the same value; a reader must
// never see two different values in one snapshot.
func TestMergerSnapshotConsistency(t *testing.T) {
	m := NewMerger(true)
	metrics := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			recs := make([]domain.Record, 0, len(metrics))
			for _, name := range metrics {
				b, _ := json.Marshal(float64(i))
				recs = append(recs, numRec("X", name, string(b)))
			}
			m.Apply(batchOf(recs...))
		}
	}()

	for i := 0; i < 500; i++ {
		snap := m.Snapshot()
		x := snap["X"]
		if len(x) == 0 {
			continue
		}
		first := x["A"]
		for _, name := range metrics {
			if x[name] != first {
				t.Fatalf("partial batch visible: %v", x)
			}
		}
	}
	wg.Wait()
}
