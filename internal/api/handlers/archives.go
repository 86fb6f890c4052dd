package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cumulusfs/cumulus/internal/api/middleware"
	"github.com/cumulusfs/cumulus/pkg/archive"
)

// ArchiveHandler serves the archive endpoints. Compress and extract run as
// background jobs; clients poll the job until it finishes.
type ArchiveHandler struct {
	jobs *archive.Jobs
}

// NewArchiveHandler creates an archive handler.
func NewArchiveHandler(jobs *archive.Jobs) *ArchiveHandler {
	return &ArchiveHandler{jobs: jobs}
}

type compressRequest struct {
	EntryIDs []string `json:"entry_ids"`
	ParentID *string  `json:"parent_id,omitempty"`
	Name     string   `json:"name"`
}

// Compress handles POST /api/v1/archives/compress.
func (h *ArchiveHandler) Compress(w http.ResponseWriter, r *http.Request) {
	var req compressRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	job := h.jobs.StartCompress(r.Context(), middleware.UserID(r.Context()), archive.CompressRequest{
		EntryIDs: req.EntryIDs,
		ParentID: req.ParentID,
		Name:     req.Name,
	})
	writeJSON(w, http.StatusAccepted, job)
}

type extractRequest struct {
	EntryID  string  `json:"entry_id"`
	ParentID *string `json:"parent_id,omitempty"`
	DirName  string  `json:"dir_name,omitempty"`
}

// Extract handles POST /api/v1/archives/extract.
func (h *ArchiveHandler) Extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}
	job := h.jobs.StartExtract(r.Context(), middleware.UserID(r.Context()), archive.ExtractRequest{
		EntryID:  req.EntryID,
		ParentID: req.ParentID,
		DirName:  req.DirName,
	})
	writeJSON(w, http.StatusAccepted, job)
}

// Job handles GET /api/v1/archives/jobs/{id}.
func (h *ArchiveHandler) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(middleware.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
