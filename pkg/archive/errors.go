package archive

import "errors"

// Common errors for archive operations.
var (
	// ErrNothingToArchive indicates a compress request naming no entries.
	ErrNothingToArchive = errors.New("no entries to archive")

	// ErrMixedStorage indicates sources spread across storage backends.
	ErrMixedStorage = errors.New("archive sources must share one storage backend")

	// ErrMixedParents indicates sources spread across parent directories.
	ErrMixedParents = errors.New("archive sources must share one parent directory")

	// ErrNotArchive indicates an extract source that is not a zip file.
	ErrNotArchive = errors.New("entry is not a zip archive")

	// ErrNameConflict indicates the destination name is taken.
	ErrNameConflict = errors.New("name already exists in destination")

	// ErrJobNotFound indicates an unknown archive job ID.
	ErrJobNotFound = errors.New("archive job not found")
)
