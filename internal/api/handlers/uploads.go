package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cumulusfs/cumulus/internal/api/middleware"
	"github.com/cumulusfs/cumulus/pkg/upload"
)

// UploadHandler serves the chunked upload endpoints.
type UploadHandler struct {
	manager *upload.Manager
	gc      *upload.Collector
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(manager *upload.Manager, gc *upload.Collector) *UploadHandler {
	return &UploadHandler{manager: manager, gc: gc}
}

type initUploadRequest struct {
	StorageID string  `json:"storage_id,omitempty"`
	ParentID  *string `json:"parent_id,omitempty"`
	Name      string  `json:"name"`
	Size      int64   `json:"size"`
	Overwrite bool    `json:"overwrite,omitempty"`
}

// Init handles POST /api/v1/uploads.
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	session, err := h.manager.Init(r.Context(), middleware.UserID(r.Context()), upload.InitRequest{
		StorageID: req.StorageID,
		ParentID:  req.ParentID,
		Name:      req.Name,
		Size:      req.Size,
		Overwrite: req.Overwrite,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// WritePart handles PUT /api/v1/uploads/{id}/parts/{n}. The body is the raw
// chunk.
func (h *UploadHandler) WritePart(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "id")
	part, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "part number must be an integer")
		return
	}
	n, err := h.manager.WritePart(r.Context(), middleware.UserID(r.Context()), uploadID, part, r.Body)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"part": part, "size": n})
}

// Status handles GET /api/v1/uploads/{id}.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type finalizeRequest struct {
	ParentID  *string `json:"parent_id,omitempty"`
	Name      string  `json:"name"`
	MimeType  string  `json:"mime_type,omitempty"`
	Overwrite bool    `json:"overwrite,omitempty"`
}

// Finalize handles POST /api/v1/uploads/{id}/finalize.
func (h *UploadHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	entry, err := h.manager.Finalize(r.Context(), middleware.UserID(r.Context()), upload.FinalizeRequest{
		UploadID:  chi.URLParam(r, "id"),
		ParentID:  req.ParentID,
		Name:      req.Name,
		MimeType:  req.MimeType,
		Overwrite: req.Overwrite,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Cancel handles DELETE /api/v1/uploads/{id}.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.manager.Cancel(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GC handles POST /api/v1/admin/uploads/gc. Admin only; dry_run=true only
// reports.
func (h *UploadHandler) GC(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report, err := h.gc.Run(r.Context(), dryRun)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
