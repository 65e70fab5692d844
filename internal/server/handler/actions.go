package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

const maxActionBody = 1 << 20

// ActionHandler exposes the action registry over HTTP.
type ActionHandler struct {
	api    *quotecast.API
	logger *slog.Logger
}

func NewActionHandler(api *quotecast.API, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{api: api, logger: logHandler(logger, "actions")}
}

// ListActions returns the registered action names.
// GET /api/actions
func (h *ActionHandler) ListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": quotecast.ActionNames()})
}

// Run executes one action with the request body as its payload.
// POST /api/actions/{name}
func (h *ActionHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxActionBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	result, err := h.api.Do(r.Context(), name, json.RawMessage(body))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("action failed", slog.String("action", name), slog.String("error", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": name, "result": result})
}
