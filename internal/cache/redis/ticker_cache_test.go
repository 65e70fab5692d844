package redis

import (
	"testing"
	"time"

	"github.com/AMekss/assert"
)

func TestTickerEncodingRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 4, 5, 6, time.UTC)
	fields, err := encodeTicker(map[string]any{
		"LastPrice": 187.5,
		"LastDate":  "2024-01-02",
		"LastTime":  nil,
	}, ts)
	assert.NoError(t, err)

	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = v.(string)
	}
	assert.EqualStrings(t, "187.5", raw["LastPrice"])

	metrics, got, err := decodeTicker(raw)
	assert.NoError(t, err)
	assert.True(t, got.Equal(ts))
	assert.EqualInt(t, 3, len(metrics))
	if metrics["LastPrice"] != 187.5 {
		t.Fatalf("LastPrice = %v", metrics["LastPrice"])
	}
	assert.EqualStrings(t, "2024-01-02", metrics["LastDate"].(string))
	assert.True(t, metrics["LastTime"] == nil)
}

func TestDecodeTickerRejectsBadTimestamp(t *testing.T) {
	_, _, err := decodeTicker(map[string]string{tsField: "yesterday"})
	assert.True(t, err != nil)
}

func TestKeyNamespaces(t *testing.T) {
	assert.EqualStrings(t, "ticker:AAPL.BATS,E", tickerKey("AAPL.BATS,E"))
	assert.EqualStrings(t, "lock:quotecast:poller", lockKey("quotecast:poller"))
	assert.EqualStrings(t, "ratelimit:actions:10.0.0.1", rateLimitKey("actions:10.0.0.1"))
}
