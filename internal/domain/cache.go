package domain

import (
	"context"
	"time"
)

// TickerCache keeps the latest merged metrics per instrument so readers
// outside the polling process can serve them.
type TickerCache interface {
	SetTicker(ctx context.Context, instrument string, metrics map[string]any, ts time.Time) error
	GetTicker(ctx context.Context, instrument string) (map[string]any, time.Time, error)
	GetTickers(ctx context.Context, instruments []string) (TickerTable, error)
}

// LockManager provides distributed locking. The lock is kept alive until
// unlock is called or ctx ends. lost is closed if the lock stops being held
// before that, and the holder must stop acting on it.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), lost <-chan struct{}, err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter admits at most limit calls per window for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
