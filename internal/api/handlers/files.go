package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cumulusfs/cumulus/internal/api/middleware"
	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/archive"
	"github.com/cumulusfs/cumulus/pkg/files"
	"github.com/cumulusfs/cumulus/pkg/quota"
)

// FileHandler serves the file tree endpoints.
type FileHandler struct {
	files    *files.Service
	archives *archive.Service
	ledger   *quota.Ledger
}

// NewFileHandler creates a file handler.
func NewFileHandler(filesSvc *files.Service, archives *archive.Service, ledger *quota.Ledger) *FileHandler {
	return &FileHandler{files: filesSvc, archives: archives, ledger: ledger}
}

// List handles GET /api/v1/files?parent={id}. No parent lists the root.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	var parentID *string
	if p := r.URL.Query().Get("parent"); p != "" {
		parentID = &p
	}
	entries, err := h.files.List(r.Context(), middleware.UserID(r.Context()), parentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Get handles GET /api/v1/files/{id}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.files.Get(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type createDirRequest struct {
	ParentID  *string `json:"parent_id,omitempty"`
	Name      string  `json:"name"`
	StorageID string  `json:"storage_id,omitempty"`
}

// CreateDir handles POST /api/v1/files/dirs.
func (h *FileHandler) CreateDir(w http.ResponseWriter, r *http.Request) {
	var req createDirRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	entry, err := h.files.CreateDir(r.Context(), middleware.UserID(r.Context()), req.ParentID, req.Name, req.StorageID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type moveRequest struct {
	// ParentID is the destination directory; omitted keeps the current one,
	// explicit null targets the root.
	ParentID *string `json:"parent_id,omitempty"`
	// KeepParent distinguishes "omitted" from "null": set it for pure renames.
	KeepParent bool `json:"keep_parent,omitempty"`
	// Name is the new name; empty keeps the current one.
	Name string `json:"name,omitempty"`
}

// Move handles PATCH /api/v1/files/{id}: move, rename, or both.
func (h *FileHandler) Move(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	entryID := chi.URLParam(r, "id")

	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}

	newParentID := req.ParentID
	if req.KeepParent {
		current, err := h.files.Get(r.Context(), userID, entryID)
		if err != nil {
			WriteError(w, err)
			return
		}
		newParentID = current.ParentID
	}

	entry, err := h.files.Move(r.Context(), userID, entryID, newParentID, req.Name)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type deleteRequest struct {
	EntryIDs []string `json:"entry_ids"`
	// Recursive permits deleting non-empty directories.
	Recursive bool `json:"recursive,omitempty"`
}

// Delete handles DELETE /api/v1/files: batch soft delete.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	if len(req.EntryIDs) == 0 {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "entry_ids is required")
		return
	}

	userID := middleware.UserID(r.Context())
	deleted := make([]string, 0, len(req.EntryIDs))
	for _, id := range req.EntryIDs {
		if _, err := h.files.SoftDelete(r.Context(), userID, id, req.Recursive); err != nil {
			// Report partial progress; already deleted subtrees stay deleted.
			writeJSON(w, http.StatusMultiStatus, map[string]any{
				"deleted": deleted,
				"failed":  id,
				"error":   err.Error(),
			})
			return
		}
		deleted = append(deleted, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// Download handles GET /api/v1/files/{id}/download. Files stream their
// bytes; directories stream a zip of their subtree.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	entry, err := h.files.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}

	if entry.IsDir {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name+".zip"))
		if err := h.archives.StreamZip(r.Context(), w, userID, []string{entry.ID}); err != nil {
			// Headers are gone; all we can do is log and cut the stream.
			logger.WarnCtx(r.Context(), "zip stream aborted", "entry_id", entry.ID, "error", err)
		}
		return
	}

	rc, entry, err := h.files.Open(r.Context(), userID, entry.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer rc.Close()

	contentType := entry.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
	if _, err := io.Copy(w, rc); err != nil {
		logger.WarnCtx(r.Context(), "download aborted", "entry_id", entry.ID, "error", err)
	}
}

// Quota handles GET /api/v1/quota.
func (h *FileHandler) Quota(w http.ResponseWriter, r *http.Request) {
	usage, err := h.ledger.GetUsage(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
