package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cumulusfs/cumulus/internal/api/middleware"
	"github.com/cumulusfs/cumulus/pkg/files"
)

// TrashHandler serves the trash endpoints.
type TrashHandler struct {
	files *files.Service
}

// NewTrashHandler creates a trash handler.
func NewTrashHandler(filesSvc *files.Service) *TrashHandler {
	return &TrashHandler{files: filesSvc}
}

// List handles GET /api/v1/trash: the user's deleted subtree roots.
func (h *TrashHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.files.ListTrash(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Restore handles POST /api/v1/trash/{id}/restore.
func (h *TrashHandler) Restore(w http.ResponseWriter, r *http.Request) {
	entry, err := h.files.Restore(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Purge handles DELETE /api/v1/trash/{id}: permanent removal of one subtree.
func (h *TrashHandler) Purge(w http.ResponseWriter, r *http.Request) {
	err := h.files.HardDelete(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Empty handles DELETE /api/v1/trash: purge everything, or everything older
// than ?older_than=720h.
func (h *TrashHandler) Empty(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			WriteProblem(w, http.StatusBadRequest, "Bad Request", "older_than must be a positive duration")
			return
		}
		olderThan = parsed
	}
	purged, err := h.files.PurgeTrash(r.Context(), middleware.UserID(r.Context()), olderThan)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}
