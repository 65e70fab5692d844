package handler

import (
	"net/http"

	"github.com/alanyoungcy/quotecast/internal/quotecast"
)

// StatusHandler reports the session, the table and any extra sections
// (such as recorder counters).
type StatusHandler struct {
	mode   string
	api    *quotecast.API
	extras map[string]func() any
}

func NewStatusHandler(mode string, api *quotecast.API, extras map[string]func() any) *StatusHandler {
	return &StatusHandler{mode: mode, api: api, extras: extras}
}

// GetStatus returns the mode, session status and extras.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"mode":    h.mode,
		"session": h.api.Status(),
	}
	for name, fn := range h.extras {
		body[name] = fn()
	}
	writeJSON(w, http.StatusOK, body)
}
