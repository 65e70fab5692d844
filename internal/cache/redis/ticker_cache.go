package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// tsField holds the update time inside a ticker hash. Metric names never
// start with an underscore.
const tsField = "_ts"

// TickerCache implements domain.TickerCache with one hash per instrument at
// "ticker:{instrument}". Each metric is a field holding its JSON-encoded
// value, so numbers, strings and explicit empties survive the round trip.
type TickerCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTickerCache creates a TickerCache. A positive ttl expires instruments
// that stop updating.
func NewTickerCache(c *Client, ttl time.Duration) *TickerCache {
	return &TickerCache{rdb: c.rdb, ttl: ttl}
}

func tickerKey(instrument string) string {
	return "ticker:" + instrument
}

// SetTicker writes metrics for an instrument. Metrics not named keep their
// previous cached value.
func (tc *TickerCache) SetTicker(ctx context.Context, instrument string, metrics map[string]any, ts time.Time) error {
	fields, err := encodeTicker(metrics, ts)
	if err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", instrument, err)
	}

	key := tickerKey(instrument)
	pipe := tc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if tc.ttl > 0 {
		pipe.Expire(ctx, key, tc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", instrument, err)
	}
	return nil
}

// GetTicker returns the cached metrics for an instrument and the time of the
// last write. It returns domain.ErrNotFound when nothing is cached.
func (tc *TickerCache) GetTicker(ctx context.Context, instrument string) (map[string]any, time.Time, error) {
	vals, err := tc.rdb.HGetAll(ctx, tickerKey(instrument)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get ticker %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return nil, time.Time{}, domain.ErrNotFound
	}
	metrics, ts, err := decodeTicker(vals)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get ticker %s: %w", instrument, err)
	}
	return metrics, ts, nil
}

// GetTickers reads several instruments in one pipeline. Missing instruments
// are omitted from the result.
func (tc *TickerCache) GetTickers(ctx context.Context, instruments []string) (domain.TickerTable, error) {
	out := make(domain.TickerTable, len(instruments))
	if len(instruments) == 0 {
		return out, nil
	}

	pipe := tc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(instruments))
	for _, id := range instruments {
		cmds[id] = pipe.HGetAll(ctx, tickerKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get tickers pipeline: %w", err)
	}

	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		metrics, _, err := decodeTicker(vals)
		if err != nil {
			continue
		}
		out[id] = metrics
	}
	return out, nil
}

func encodeTicker(metrics map[string]any, ts time.Time) (map[string]any, error) {
	fields := make(map[string]any, len(metrics)+1)
	for name, v := range metrics {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		fields[name] = string(b)
	}
	fields[tsField] = strconv.FormatInt(ts.UnixNano(), 10)
	return fields, nil
}

func decodeTicker(vals map[string]string) (map[string]any, time.Time, error) {
	var ts time.Time
	metrics := make(map[string]any, len(vals))
	for name, raw := range vals {
		if name == tsField {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, time.Time{}, fmt.Errorf("parse ts: %w", err)
			}
			ts = time.Unix(0, n).UTC()
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, time.Time{}, fmt.Errorf("decode %s: %w", name, err)
		}
		metrics[name] = v
	}
	return metrics, ts, nil
}

var _ domain.TickerCache = (*TickerCache)(nil)
