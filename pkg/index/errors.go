package index

import "errors"

// Common errors for file index operations.
var (
	// ErrEntryNotFound indicates a missing file entry.
	ErrEntryNotFound = errors.New("file entry not found")

	// ErrDuplicateEntry indicates a sibling with the same name already exists.
	ErrDuplicateEntry = errors.New("file entry already exists")

	// ErrQuotaNotFound indicates a missing user quota row.
	ErrQuotaNotFound = errors.New("user quota not found")
)
