package quotecast_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/AMekss/assert"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

func TestActionNames(t *testing.T) {
	names := quotecast.ActionNames()
	want := []string{"connect", "disconnect", "fetch_data", "fetch_metrics", "get_chart", "set_config", "subscribe"}
	assert.EqualInt(t, len(want), len(names))
	for i := range want {
		assert.EqualStrings(t, want[i], names[i])
	}
}

func TestActionIsCached(t *testing.T) {
	api, _ := newAPI(t, true)

	first, err := api.Action("connect")
	assert.NoError(t, err)
	second, err := api.Action("connect")
	assert.NoError(t, err)
	assert.True(t, first == second)

	_, err = api.Action("place_order")
	if !errors.Is(err, domain.ErrUnknownAction) {
		t.Fatalf("err = %v", err)
	}
	assert.NoError(t, api.Preload())
}

func TestActionsDriveTheSession(t *testing.T) {
	ctx := context.Background()
	api, up := newAPI(t, true)

	_, err := api.Do(ctx, "set_config", json.RawMessage(`{"user_token":1234,"auto_connect":true}`))
	assert.NoError(t, err)

	_, err = api.Do(ctx, "subscribe", json.RawMessage(`{"subscriptions":{"X":["LastPrice"]}}`))
	assert.NoError(t, err)
	_, err = api.Do(ctx, "fetch_data", nil)
	assert.NoError(t, err)

	up.Push("X", "LastPrice", 12.5)
	out, err := api.Do(ctx, "fetch_metrics", nil)
	assert.NoError(t, err)
	m := out.(quotecast.Metrics)
	assert.True(t, m.OK())
	if m.Tickers["X"]["LastPrice"] != 12.5 {
		t.Fatalf("tickers = %v", m.Tickers)
	}

	_, err = api.Do(ctx, "disconnect", nil)
	assert.NoError(t, err)
	assert.EqualStrings(t, "disconnected", api.Status().State)
}

func TestActionsRejectBadPayloads(t *testing.T) {
	api, _ := newAPI(t, true)
	ctx := context.Background()

	for name, payload := range map[string]string{
		"set_config": `{"auto_connect":true}`,
		"subscribe":  `{}`,
		"get_chart":  `{"series":`,
	} {
		_, err := api.Do(ctx, name, json.RawMessage(payload))
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", name, err)
		}
	}
}
