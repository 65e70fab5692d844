package quotecast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Action is a named operation callable with a JSON payload.
type Action interface {
	Name() string
	Do(ctx context.Context, payload json.RawMessage) (any, error)
}

// ActionFactory builds an action bound to an API.
type ActionFactory func(api *API) (Action, error)

var actionRegistry = map[string]ActionFactory{
	"set_config":    newSetConfigAction,
	"connect":       newConnectAction,
	"subscribe":     newSubscribeAction,
	"fetch_data":    newFetchDataAction,
	"fetch_metrics": newFetchMetricsAction,
	"get_chart":     newGetChartAction,
	"disconnect":    newDisconnectAction,
}

// ActionNames lists the registered actions in sorted order.
func ActionNames() []string {
	names := make([]string, 0, len(actionRegistry))
	for name := range actionRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Action returns the named action, building it on first use.
func (a *API) Action(name string) (Action, error) {
	a.actionsMu.Lock()
	defer a.actionsMu.Unlock()

	if act, ok := a.actions[name]; ok {
		return act, nil
	}
	factory, ok := actionRegistry[name]
	if !ok {
		return nil, fmt.Errorf("quotecast: action %q: %w", name, domain.ErrUnknownAction)
	}
	act, err := factory(a)
	if err != nil {
		return nil, fmt.Errorf("quotecast: build action %q: %w", name, err)
	}
	a.actions[name] = act
	return act, nil
}

// Preload builds every registered action.
func (a *API) Preload() error {
	for _, name := range ActionNames() {
		if _, err := a.Action(name); err != nil {
			return err
		}
	}
	return nil
}

// Do runs the named action.
func (a *API) Do(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	act, err := a.Action(name)
	if err != nil {
		return nil, err
	}
	return act.Do(ctx, payload)
}

type actionFunc struct {
	name string
	fn   func(ctx context.Context, payload json.RawMessage) (any, error)
}

func (f *actionFunc) Name() string { return f.name }

func (f *actionFunc) Do(ctx context.Context, payload json.RawMessage) (any, error) {
	return f.fn(ctx, payload)
}

// decodePayload unmarshals payload into v; an empty payload leaves v as is.
func decodePayload(payload json.RawMessage, v any) error {
	if isNull(payload) || bytes.Equal(bytes.TrimSpace(payload), []byte("{}")) {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

type ack struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

func (a *API) ack() ack {
	return ack{OK: true, State: a.session.State().String()}
}

func newSetConfigAction(api *API) (Action, error) {
	return &actionFunc{name: "set_config", fn: func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			UserToken   int64 `json:"user_token"`
			AutoConnect bool  `json:"auto_connect"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		if req.UserToken == 0 {
			return nil, fmt.Errorf("%w: user_token is required", domain.ErrInvalidRequest)
		}
		if err := api.SetConfig(ctx, req.UserToken, req.AutoConnect); err != nil {
			return nil, err
		}
		return api.ack(), nil
	}}, nil
}

func newConnectAction(api *API) (Action, error) {
	return &actionFunc{name: "connect", fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
		if err := api.Connect(ctx); err != nil {
			return nil, err
		}
		return api.ack(), nil
	}}, nil
}

func newSubscribeAction(api *API) (Action, error) {
	return &actionFunc{name: "subscribe", fn: func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req domain.SubscriptionRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		if req.Empty() {
			return nil, fmt.Errorf("%w: empty subscription request", domain.ErrInvalidRequest)
		}
		if err := api.Subscribe(ctx, req); err != nil {
			return nil, err
		}
		return api.ack(), nil
	}}, nil
}

func newFetchDataAction(api *API) (Action, error) {
	return &actionFunc{name: "fetch_data", fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
		batch, res, err := api.FetchData(ctx)
		if err != nil {
			return nil, err
		}
		return struct {
			Batch   domain.Batch `json:"batch"`
			Skipped []Skip       `json:"skipped,omitempty"`
		}{batch, res.Skipped}, nil
	}}, nil
}

func newFetchMetricsAction(api *API) (Action, error) {
	return &actionFunc{name: "fetch_metrics", fn: func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req domain.SubscriptionRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return api.FetchMetrics(ctx, req), nil
	}}, nil
}

func newGetChartAction(api *API) (Action, error) {
	return &actionFunc{name: "get_chart", fn: func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req domain.ChartRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		chart, err := api.GetChart(ctx, req)
		if err != nil {
			return nil, err
		}
		return chart.Raw, nil
	}}, nil
}

func newDisconnectAction(api *API) (Action, error) {
	return &actionFunc{name: "disconnect", fn: func(_ context.Context, _ json.RawMessage) (any, error) {
		api.Disconnect()
		return api.ack(), nil
	}}, nil
}
