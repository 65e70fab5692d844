package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

type memCache struct {
	set map[string]map[string]any
}

func (m *memCache) SetTicker(_ context.Context, id string, metrics map[string]any, _ time.Time) error {
	m.set[id] = metrics
	return nil
}

func (m *memCache) GetTicker(context.Context, string) (map[string]any, time.Time, error) {
	return nil, time.Time{}, domain.ErrNotFound
}

func (m *memCache) GetTickers(context.Context, []string) (domain.TickerTable, error) {
	return nil, nil
}

func TestCacheSinkWritesTouchedInstruments(t *testing.T) {
	merger := quotecast.NewMerger(true)
	batch := domain.Batch{
		ID:         "b",
		ReceivedAt: time.Now(),
		Records: []domain.Record{
			{Instrument: "X", Metric: "LastPrice", Kind: domain.KindNumber, Value: []byte("1.5")},
			{Instrument: "X", Metric: "BidPrice", Kind: domain.KindNumber, Value: []byte("1.4")},
			{Instrument: "Y", Metric: "LastTime", Kind: domain.KindString, Value: []byte(`"10:00"`)},
		},
	}
	res := merger.Apply(batch)

	cache := &memCache{set: map[string]map[string]any{}}
	assert.NoError(t, NewCacheSink(cache, merger).Write(context.Background(), batch, res))
	assert.EqualInt(t, 2, len(cache.set))
	assert.EqualInt(t, 2, len(cache.set["X"]))
	assert.EqualStrings(t, "10:00", cache.set["Y"]["LastTime"].(string))
}

func TestTouchedKeepsFirstSeenOrder(t *testing.T) {
	ids := touched([]domain.Tick{{Instrument: "B"}, {Instrument: "A"}, {Instrument: "B"}})
	assert.EqualInt(t, 2, len(ids))
	assert.EqualStrings(t, "B", ids[0])
	assert.EqualStrings(t, "A", ids[1])
}

func TestNilTradingHoursIsOpen(t *testing.T) {
	var h *TradingHours
	assert.True(t, h.IsOpen(time.Now()))
}

func TestTradingHoursWeekend(t *testing.T) {
	h, err := NewTradingHours("XNYS")
	assert.NoError(t, err)
	ny, err := time.LoadLocation("America/New_York")
	assert.NoError(t, err)
	// Saturday.
	assert.False(t, h.IsOpen(time.Date(2024, 1, 6, 11, 0, 0, 0, ny)))
}
