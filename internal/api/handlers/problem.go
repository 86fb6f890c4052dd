// Package handlers provides the HTTP handlers for the engine API.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/archive"
	"github.com/cumulusfs/cumulus/pkg/files"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
	"github.com/cumulusfs/cumulus/pkg/token"
	"github.com/cumulusfs/cumulus/pkg/upload"
)

// Problem is an RFC 7807 "problem details" response.
// https://www.rfc-editor.org/rfc/rfc7807
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type for RFC 7807 responses.
const ContentTypeProblemJSON = "application/problem+json"

// WriteProblem writes an RFC 7807 problem response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	problem := &Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError maps a domain error onto the right problem response.
//
// Every sentinel the engines raise lands here, so the status mapping lives
// in exactly one place.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, index.ErrEntryNotFound),
		errors.Is(err, index.ErrQuotaNotFound),
		errors.Is(err, upload.ErrUploadNotFound),
		errors.Is(err, archive.ErrJobNotFound),
		errors.Is(err, storage.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "Not Found", err.Error())

	case errors.Is(err, token.ErrTokenInvalid),
		errors.Is(err, token.ErrBindingMismatch):
		WriteProblem(w, http.StatusForbidden, "Forbidden", "token is invalid or expired")

	case errors.Is(err, quota.ErrQuotaExceeded):
		WriteProblem(w, http.StatusInsufficientStorage, "Insufficient Storage", err.Error())

	case errors.Is(err, upload.ErrFileTooLarge):
		WriteProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())

	case errors.Is(err, upload.ErrFinalizing):
		WriteProblem(w, http.StatusLocked, "Locked", err.Error())

	case errors.Is(err, upload.ErrNameConflict),
		errors.Is(err, upload.ErrPartConflict),
		errors.Is(err, upload.ErrAlreadyCompleted),
		errors.Is(err, files.ErrNameConflict),
		errors.Is(err, files.ErrDirNotEmpty),
		errors.Is(err, files.ErrAlreadyDeleted),
		errors.Is(err, files.ErrNotDeleted),
		errors.Is(err, files.ErrRestoreConflict),
		errors.Is(err, archive.ErrNameConflict),
		errors.Is(err, index.ErrDuplicateEntry),
		errors.Is(err, storage.ErrAlreadyExists):
		WriteProblem(w, http.StatusConflict, "Conflict", err.Error())

	case errors.Is(err, upload.ErrMalformedUploadID),
		errors.Is(err, upload.ErrInvalidPartNumber),
		errors.Is(err, upload.ErrChunkIncomplete),
		errors.Is(err, upload.ErrNotDirectory),
		errors.Is(err, upload.ErrStorageMismatch),
		errors.Is(err, files.ErrNotDirectory),
		errors.Is(err, files.ErrIsDirectory),
		errors.Is(err, files.ErrCrossStorage),
		errors.Is(err, files.ErrMoveIntoSelf),
		errors.Is(err, files.ErrNotTrashRoot),
		errors.Is(err, archive.ErrNothingToArchive),
		errors.Is(err, archive.ErrMixedStorage),
		errors.Is(err, archive.ErrMixedParents),
		errors.Is(err, archive.ErrNotArchive),
		errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, storage.ErrPathEscapes),
		errors.Is(err, storage.ErrUnknownStorage):
		WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error())

	case errors.Is(err, storage.ErrNotSupported):
		WriteProblem(w, http.StatusNotImplemented, "Not Implemented", err.Error())

	default:
		logger.Error("request failed", "error", err)
		WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "internal error")
	}
}

// writeJSON writes a JSON response. Encoding happens into a buffer first so
// a marshal failure can still produce an error status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
		WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
