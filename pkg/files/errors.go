package files

import "errors"

// Common errors for tree mutations.
var (
	// ErrNotDirectory indicates a file where a directory was required.
	ErrNotDirectory = errors.New("entry is not a directory")

	// ErrIsDirectory indicates a directory where a file was required.
	ErrIsDirectory = errors.New("entry is a directory")

	// ErrNameConflict indicates the destination name is taken.
	ErrNameConflict = errors.New("name already exists in destination")

	// ErrCrossStorage indicates a move between different storage backends.
	ErrCrossStorage = errors.New("cannot move across storage backends")

	// ErrMoveIntoSelf indicates a directory moved into itself or a descendant.
	ErrMoveIntoSelf = errors.New("cannot move a directory into itself or its descendants")

	// ErrDirNotEmpty indicates a non-recursive delete of a non-empty directory.
	ErrDirNotEmpty = errors.New("directory is not empty")

	// ErrAlreadyDeleted indicates a mutation on a soft-deleted entry.
	ErrAlreadyDeleted = errors.New("entry is in the trash")

	// ErrNotDeleted indicates a trash operation on a live entry.
	ErrNotDeleted = errors.New("entry is not in the trash")

	// ErrNotTrashRoot indicates a restore or purge aimed below a deleted
	// subtree's root. Only whole subtrees leave the trash.
	ErrNotTrashRoot = errors.New("entry is not the root of a deleted subtree")

	// ErrRestoreConflict indicates no free name could be found for a restore.
	ErrRestoreConflict = errors.New("could not find a free name to restore to")
)
