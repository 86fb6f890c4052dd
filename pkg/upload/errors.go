package upload

import "errors"

// Common errors for upload operations.
var (
	// ErrUploadNotFound indicates an unknown or already reclaimed session.
	ErrUploadNotFound = errors.New("upload session not found")

	// ErrMalformedUploadID indicates an ID that does not carry a part count.
	ErrMalformedUploadID = errors.New("malformed upload id")

	// ErrInvalidPartNumber indicates a part outside [1, totalParts].
	ErrInvalidPartNumber = errors.New("invalid part number")

	// ErrFinalizing indicates the session lock is held; retry later.
	ErrFinalizing = errors.New("upload is being finalized")

	// ErrAlreadyCompleted indicates the session was already finalized.
	ErrAlreadyCompleted = errors.New("upload already completed")

	// ErrChunkIncomplete indicates finalize was called with parts missing.
	ErrChunkIncomplete = errors.New("upload has missing parts")

	// ErrPartConflict indicates a retried part with different content size.
	ErrPartConflict = errors.New("part already uploaded with different size")

	// ErrFileTooLarge indicates the declared size exceeds the single-file limit.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrNotDirectory indicates the target parent is not a directory.
	ErrNotDirectory = errors.New("parent is not a directory")

	// ErrNameConflict indicates the destination name is taken.
	ErrNameConflict = errors.New("name already exists in destination")

	// ErrStorageMismatch indicates finalize targeting a different backend
	// than the one hosting the session.
	ErrStorageMismatch = errors.New("target parent is on a different storage backend")
)
