package quotecast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// API is the single owner of a session and its ticker table. Handlers in the
// relay, the HTTP server and the recorder all hold the same *API.
type API struct {
	session *Session
	merger  *Merger
	logger  *slog.Logger

	// fetchMu keeps fetch and merge together so batches reach the table in
	// the order they were fetched.
	fetchMu sync.Mutex

	actionsMu sync.Mutex
	actions   map[string]Action
}

// NewAPI wraps session with a merger in the given mode.
func NewAPI(session *Session, forwardFill bool, logger *slog.Logger) *API {
	return &API{
		session: session,
		merger:  NewMerger(forwardFill),
		logger:  logger.With(slog.String("component", "quotecast-api")),
		actions: make(map[string]Action),
	}
}

// Session returns the underlying session.
func (a *API) Session() *Session { return a.session }

// Table returns the merger holding the ticker table.
func (a *API) Table() *Merger { return a.merger }

// SetConfig stores the user token and optionally connects right away.
func (a *API) SetConfig(ctx context.Context, userToken int64, autoConnect bool) error {
	a.session.SetUserToken(userToken)
	if autoConnect {
		return a.session.Connect(ctx)
	}
	return nil
}

// Connect opens the upstream session if it is not open yet.
func (a *API) Connect(ctx context.Context) error {
	return a.session.Connect(ctx)
}

// Subscribe applies a subscription delta and sends it upstream.
func (a *API) Subscribe(ctx context.Context, req domain.SubscriptionRequest) error {
	return a.session.Subscribe(ctx, req)
}

// FetchData polls one batch and merges it. On failure the table is left
// exactly as it was.
func (a *API) FetchData(ctx context.Context) (domain.Batch, MergeResult, error) {
	return a.fetch(ctx, a.session.FetchNextBatch)
}

func (a *API) fetch(ctx context.Context, poll func(context.Context) (domain.Batch, error)) (domain.Batch, MergeResult, error) {
	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	batch, err := poll(ctx)
	if err != nil {
		return domain.Batch{}, MergeResult{}, err
	}
	res := a.merger.Apply(batch)
	if len(res.Skipped) > 0 {
		a.logger.Debug("skipped malformed records",
			slog.String("batch_id", batch.ID),
			slog.Int("skipped", len(res.Skipped)),
		)
	}
	return batch, res, nil
}

// GetChart passes a chart request through to the charting service.
func (a *API) GetChart(ctx context.Context, req domain.ChartRequest) (domain.ChartResponse, error) {
	return a.session.GetChart(ctx, req)
}

// Disconnect drops the session, the ledger and the table.
func (a *API) Disconnect() {
	a.fetchMu.Lock()
	defer a.fetchMu.Unlock()

	a.session.Disconnect()
	a.merger.Reset()
}

// Metrics is the best-effort result of FetchMetrics. When Err is set the
// tickers are the last known table, possibly empty, and must be read as
// "unknown" rather than "no data".
type Metrics struct {
	Tickers domain.TickerTable `json:"tickers"`
	Stale   bool               `json:"stale"`
	Error   string             `json:"error,omitempty"`
	Err     error              `json:"-"`
}

// OK reports whether the tickers reflect a successful poll.
func (m Metrics) OK() bool { return m.Err == nil }

// FetchMetrics connects if needed, applies req, polls once and returns the
// merged table. It never fails: any error is logged, reported in the
// result, and the best known table is returned instead.
//
// The call gets one reconnect in total. A transport failure while sending
// the subscription spends it: the session is replaced, the ledger replay
// carries the request, and a transport failure on the poll that follows is
// final.
func (a *API) FetchMetrics(ctx context.Context, req domain.SubscriptionRequest) Metrics {
	if err := a.session.Connect(ctx); err != nil {
		return a.degraded("connect", err)
	}

	poll := a.session.FetchNextBatch
	if err := a.session.Subscribe(ctx, req); err != nil {
		switch {
		case IsTransportError(err):
			a.logger.Warn("subscribe failed, reconnecting", slog.String("error", err.Error()))
			if rerr := a.session.Reconnect(ctx); rerr != nil {
				return a.degraded("reconnect", rerr)
			}
			poll = a.session.FetchBatchOnce
		case errors.Is(err, domain.ErrNotConnected):
			// Kept in the ledger; the reconnect inside the fetch replays it.
		default:
			return a.degraded("subscribe", err)
		}
	}
	if _, _, err := a.fetch(ctx, poll); err != nil {
		return a.degraded("fetch", err)
	}
	return Metrics{Tickers: a.merger.Snapshot()}
}

func (a *API) degraded(stage string, err error) Metrics {
	a.logger.Error("fetch metrics failed, returning last known tickers",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	return Metrics{
		Tickers: a.merger.Snapshot(),
		Stale:   true,
		Error:   err.Error(),
		Err:     err,
	}
}

// Status describes the session and the table.
type Status struct {
	domain.SessionStatus
	ForwardFill bool  `json:"forward_fill"`
	Instruments int   `json:"instruments"`
	Skipped     int64 `json:"skipped"`
}

// Status returns a point-in-time view for status endpoints.
func (a *API) Status() Status {
	return Status{
		SessionStatus: a.session.Status(),
		ForwardFill:   a.merger.ForwardFill(),
		Instruments:   len(a.merger.Snapshot()),
		Skipped:       a.merger.Skipped(),
	}
}
