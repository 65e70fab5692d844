package pipeline

import (
	"context"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

// Sink receives every successfully merged batch.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch domain.Batch, res quotecast.MergeResult) error
}

// CacheSink refreshes the cached ticker of every instrument a batch touched.
type CacheSink struct {
	cache domain.TickerCache
	table *quotecast.Merger
}

func NewCacheSink(cache domain.TickerCache, table *quotecast.Merger) *CacheSink {
	return &CacheSink{cache: cache, table: table}
}

func (s *CacheSink) Name() string { return "cache" }

func (s *CacheSink) Write(ctx context.Context, batch domain.Batch, res quotecast.MergeResult) error {
	for _, id := range touched(res.Ticks) {
		metrics, ok := s.table.Ticker(id)
		if !ok {
			continue
		}
		if err := s.cache.SetTicker(ctx, id, metrics, batch.ReceivedAt); err != nil {
			return err
		}
	}
	return nil
}

// StoreSink appends ticks to a TickStore.
type StoreSink struct {
	store domain.TickStore
}

func NewStoreSink(store domain.TickStore) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, _ domain.Batch, res quotecast.MergeResult) error {
	return s.store.InsertBatch(ctx, res.Ticks)
}

// PublisherSink forwards ticks to a TickPublisher.
type PublisherSink struct {
	pub domain.TickPublisher
}

func NewPublisherSink(pub domain.TickPublisher) *PublisherSink { return &PublisherSink{pub: pub} }

func (s *PublisherSink) Name() string { return s.pub.Name() }

func (s *PublisherSink) Write(ctx context.Context, _ domain.Batch, res quotecast.MergeResult) error {
	if len(res.Ticks) == 0 {
		return nil
	}
	return s.pub.PublishTicks(ctx, res.Ticks)
}

// touched lists the distinct instruments in ticks, in first-seen order.
func touched(ticks []domain.Tick) []string {
	seen := make(map[string]bool, len(ticks))
	var ids []string
	for _, t := range ticks {
		if !seen[t.Instrument] {
			seen[t.Instrument] = true
			ids = append(ids, t.Instrument)
		}
	}
	return ids
}
