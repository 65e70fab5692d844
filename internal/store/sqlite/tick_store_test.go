package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

func openTemp(t *testing.T) *TickStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ticks.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTickStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t)

	last, err := store.GetLastTimestamp(ctx)
	assert.NoError(t, err)
	assert.True(t, last.IsZero())

	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	assert.NoError(t, store.InsertBatch(ctx, []domain.Tick{
		{SessionID: "s1", Instrument: "AAPL", Metric: "LastPrice", Kind: domain.KindNumber, Number: 187.5, At: base},
		{SessionID: "s1", Instrument: "AAPL", Metric: "LastTime", Kind: domain.KindString, Text: "09:00:01", At: base.Add(time.Second)},
		{SessionID: "s1", Instrument: "AAPL", Metric: "BidPrice", Kind: domain.KindEmpty, At: base.Add(2 * time.Second)},
		{SessionID: "s1", Instrument: "MSFT", Metric: "LastPrice", Kind: domain.KindNumber, Number: 400, At: base.Add(3 * time.Second)},
	}))

	ticks, err := store.ListByInstrument(ctx, "AAPL", domain.ListOpts{})
	assert.NoError(t, err)
	assert.EqualInt(t, 3, len(ticks))
	assert.EqualStrings(t, "BidPrice", ticks[0].Metric)
	assert.True(t, ticks[0].Value() == nil)
	assert.EqualStrings(t, "09:00:01", ticks[1].Text)
	assert.True(t, ticks[2].Number == 187.5)
	assert.True(t, ticks[2].At.Equal(base))

	since := base.Add(time.Second)
	ticks, err = store.ListByInstrument(ctx, "AAPL", domain.ListOpts{Since: &since, Limit: 1})
	assert.NoError(t, err)
	assert.EqualInt(t, 1, len(ticks))
	assert.EqualStrings(t, "BidPrice", ticks[0].Metric)

	last, err = store.GetLastTimestamp(ctx)
	assert.NoError(t, err)
	assert.True(t, last.Equal(base.Add(3*time.Second)))
}

func TestInsertEmptyBatch(t *testing.T) {
	store := openTemp(t)
	assert.NoError(t, store.InsertBatch(context.Background(), nil))
}
