package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// ArchiveHandler lists and downloads archived batch files.
type ArchiveHandler struct {
	reader domain.BlobReader
	logger *slog.Logger
}

func NewArchiveHandler(reader domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, logger: logHandler(logger, "archives")}
}

// List returns objects under ?prefix=.
// GET /api/archives
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	infos, err := h.reader.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.logger.Error("list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}

// Download streams the object at ?path=.
// GET /api/archives/object
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.Error("get archive failed", slog.String("path", path), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to read archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("archive download interrupted", slog.String("path", path), slog.String("error", err.Error()))
	}
}
