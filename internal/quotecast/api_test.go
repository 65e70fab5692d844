package quotecast_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
	"github.com/alanyoungcy/quotecast/internal/quotecast/quotecasttest"
)

func newAPI(t *testing.T, forwardFill bool) (*quotecast.API, *quotecasttest.Server) {
	t.Helper()
	up := quotecasttest.New()
	t.Cleanup(up.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := quotecast.NewHTTPTransport(quotecast.HTTPTransportConfig{Timeout: 5 * time.Second})
	session := quotecast.NewSession(quotecast.Config{
		QuotecastURL: up.QuotecastURL(),
		ChartURL:     up.ChartURL(),
	}, transport, logger)
	return quotecast.NewAPI(session, forwardFill, logger), up
}

var lastPrice = domain.SubscriptionRequest{
	Subscriptions: map[string][]string{"X": {domain.MetricLastPrice}},
}

func TestAPIEndToEnd(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)

	assert.NoError(t, api.SetConfig(ctx, 1234, true))
	assert.NoError(t, api.Subscribe(ctx, lastPrice))
	assert.True(t, up.Subscribed("X.LastPrice"))

	// The first poll carries the registration.
	_, _, err := api.FetchData(ctx)
	assert.NoError(t, err)

	up.Push("X", domain.MetricLastPrice, 101.5)
	batch, res, err := api.FetchData(ctx)
	assert.NoError(t, err)
	assert.EqualInt(t, 1, len(batch.Records))
	assert.EqualInt(t, 0, len(res.Skipped))

	want := domain.TickerTable{"X": {"LastPrice": 101.5}}
	if got := api.Table().Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("table = %v, want %v", got, want)
	}

	_, _, err = api.FetchData(ctx)
	assert.NoError(t, err)
	if got := api.Table().Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("table after heartbeat = %v, want %v", got, want)
	}
}

func TestAPIRecoversFromDroppedConnection(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)
	assert.NoError(t, api.SetConfig(ctx, 1234, true))
	assert.NoError(t, api.Subscribe(ctx, lastPrice))

	up.DropConnections(1)
	_, _, err := api.FetchData(ctx)
	assert.NoError(t, err)
	assert.EqualInt(t, 2, up.SessionCount())
	assert.True(t, up.Subscribed("X.LastPrice"))

	log := up.ControlLog()
	assert.EqualStrings(t, "a_req(X.LastPrice);", log[len(log)-1])
}

func TestAPIRecoversFromExpiredSession(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)
	assert.NoError(t, api.SetConfig(ctx, 1234, true))
	assert.NoError(t, api.Subscribe(ctx, lastPrice))

	up.ExpireSessions()
	_, _, err := api.FetchData(ctx)
	assert.NoError(t, err)
	assert.EqualInt(t, 1, int(api.Status().Reconnects))
}

func TestAPIFetchMetricsIsBestEffort(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)
	assert.NoError(t, api.SetConfig(ctx, 1234, false))

	m := api.FetchMetrics(ctx, lastPrice)
	assert.True(t, m.OK())

	up.Push("X", domain.MetricLastPrice, 99.0)
	m = api.FetchMetrics(ctx, domain.SubscriptionRequest{})
	assert.True(t, m.OK())
	if m.Tickers["X"]["LastPrice"] != 99.0 {
		t.Fatalf("tickers = %v", m.Tickers)
	}

	// Both the poll and the reconnect fail.
	up.DropConnections(2)
	m = api.FetchMetrics(ctx, domain.SubscriptionRequest{})
	assert.False(t, m.OK())
	assert.True(t, m.Stale)
	if m.Tickers["X"]["LastPrice"] != 99.0 {
		t.Fatalf("best known tickers lost: %v", m.Tickers)
	}
}

func TestAPIFetchMetricsRejectedToken(t *testing.T) {
	api, up := newAPI(t, true)
	up.Reject("77")
	assert.NoError(t, api.SetConfig(context.Background(), 77, false))

	m := api.FetchMetrics(context.Background(), lastPrice)
	if !errors.Is(m.Err, domain.ErrSessionRejected) {
		t.Fatalf("err = %v", m.Err)
	}
	assert.EqualInt(t, 0, len(m.Tickers))
	assert.True(t, m.Tickers != nil)
}

func TestAPIMalformedRecordsAreSkipped(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, false)
	assert.NoError(t, api.SetConfig(ctx, 1234, true))
	assert.NoError(t, api.Subscribe(ctx, lastPrice))
	_, _, err := api.FetchData(ctx)
	assert.NoError(t, err)

	up.Push("X", domain.MetricLastPrice, 10.0)
	up.PushRaw(`{"m":"un","v":[424242,1.0]}`)
	_, res, err := api.FetchData(ctx)
	assert.NoError(t, err)
	assert.EqualInt(t, 1, len(res.Ticks))
	assert.EqualInt(t, 1, len(res.Skipped))
	assert.EqualInt(t, 1, int(api.Status().Skipped))
}

func TestAPIGetChart(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)
	assert.NoError(t, api.SetConfig(ctx, 1234, false))

	chart, err := api.GetChart(ctx, domain.ChartRequest{
		Resolution: domain.IntervalPT1M,
		Period:     domain.IntervalP1D,
		Series:     []string{"issueid:360148977", "price:issueid:360148977"},
	})
	assert.NoError(t, err)
	assert.EqualInt(t, 2, len(chart.Series))
	assert.EqualStrings(t, "price:issueid:360148977", chart.Series[1].ID)
	assert.True(t, chart.RequestID != "")

	q := up.LastChartQuery()
	assert.EqualStrings(t, "json", q["format"][0])
	assert.EqualStrings(t, "1234", q["userToken"][0])
	assert.EqualStrings(t, chart.RequestID, q["requestid"][0])
	assert.EqualInt(t, 2, len(q["series"]))

	var raw map[string]any
	assert.NoError(t, json.Unmarshal(chart.Raw, &raw))

	_, err = api.GetChart(ctx, domain.ChartRequest{Series: []string{"x"}, Resolution: "PT2M"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestAPIDisconnectResetsTable(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)
	assert.NoError(t, api.SetConfig(ctx, 1234, true))
	assert.NoError(t, api.Subscribe(ctx, lastPrice))
	_, _, _ = api.FetchData(ctx)
	up.Push("X", domain.MetricLastPrice, 1.0)
	_, _, _ = api.FetchData(ctx)

	api.Disconnect()
	assert.EqualInt(t, 0, len(api.Table().Snapshot()))
	assert.EqualStrings(t, "disconnected", api.Status().State)
}
