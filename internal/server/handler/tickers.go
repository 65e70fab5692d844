package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

// TickerHandler serves the merged ticker table. The cache and the store
// are optional: the cache answers for instruments another process polls,
// the store serves history.
type TickerHandler struct {
	api    *quotecast.API
	cache  domain.TickerCache
	store  domain.TickStore
	logger *slog.Logger
}

func NewTickerHandler(api *quotecast.API, cache domain.TickerCache, store domain.TickStore, logger *slog.Logger) *TickerHandler {
	return &TickerHandler{api: api, cache: cache, store: store, logger: logHandler(logger, "tickers")}
}

// ListTickers returns the whole table.
// GET /api/tickers
func (h *TickerHandler) ListTickers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tickers": h.api.Table().Snapshot()})
}

// GetTicker returns one instrument from the table, falling back to the cache.
// GET /api/tickers/{id}
func (h *TickerHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if metrics, ok := h.api.Table().Ticker(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"instrument": id, "metrics": metrics, "source": "session"})
		return
	}
	if h.cache != nil {
		metrics, ts, err := h.cache.GetTicker(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{
				"instrument": id,
				"metrics":    metrics,
				"source":     "cache",
				"updated_at": ts.UTC().Format(time.RFC3339Nano),
			})
			return
		case !errors.Is(err, domain.ErrNotFound):
			h.logger.Error("cache lookup failed", slog.String("instrument", id), slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, "ticker cache unavailable")
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown instrument")
}

// History lists stored ticks for one instrument, newest first.
// GET /api/tickers/{id}/history?limit=&offset=&since=&until=
func (h *TickerHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "no tick store configured")
		return
	}
	id := r.PathValue("id")
	ticks, err := h.store.ListByInstrument(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.Error("list ticks failed", slog.String("instrument", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list ticks")
		return
	}
	if ticks == nil {
		ticks = []domain.Tick{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": id, "ticks": ticks})
}
