// Package storage defines the physical storage backend abstraction.
//
// A Backend executes all raw I/O for one logical storage root. It knows
// nothing about the file index or about users; callers pass backend-relative
// paths produced by the path builder. Backends provide no locking of their
// own: callers serialize conflicting mutations through the file index or the
// upload session lock.
//
// Optional capabilities (resumable upload sessions, zip archives) are
// expressed as extension interfaces, following the capability-based store
// design used elsewhere in the codebase. Callers probe with type assertions
// and fail with ErrNotSupported when a capability is missing.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound indicates the referenced path does not exist on the backend.
	ErrNotFound = errors.New("storage: path not found")

	// ErrAlreadyExists indicates the destination path is already occupied.
	ErrAlreadyExists = errors.New("storage: path already exists")

	// ErrPathEscapes indicates a path resolving outside the backend root.
	ErrPathEscapes = errors.New("storage: path escapes backend root")

	// ErrNotSupported indicates the backend lacks a requested capability.
	ErrNotSupported = errors.New("storage: operation not supported by backend")

	// ErrSessionNotFound indicates an unknown upload session.
	ErrSessionNotFound = errors.New("storage: upload session not found")

	// ErrSessionLocked indicates the session is being finalized by another caller.
	ErrSessionLocked = errors.New("storage: upload session locked")

	// ErrSessionDone indicates the session has already been finalized.
	ErrSessionDone = errors.New("storage: upload session already completed")

	// ErrPartConflict indicates a re-uploaded part differs from the stored one.
	ErrPartConflict = errors.New("storage: part already exists with different size")
)

// FileInfo describes a stored object.
type FileInfo struct {
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Backend is the contract every physical storage implementation satisfies.
type Backend interface {
	// ID returns the configured storage identifier this backend serves.
	ID() string

	// EnsureDir creates the directory (and missing parents) at path.
	EnsureDir(ctx context.Context, path string) error

	// Move atomically relocates src to dst, creating dst's parents.
	// Fails with ErrAlreadyExists if dst is occupied.
	Move(ctx context.Context, src, dst string) error

	// CopyFile duplicates a regular file's bytes from src to dst.
	CopyFile(ctx context.Context, src, dst string) error

	// Delete removes the path; recursive must be set for non-empty directories.
	Delete(ctx context.Context, path string, recursive bool) error

	// Stat returns metadata for the path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Open returns a reader over a regular file's content.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteStream writes r to path via a temporary file and atomic rename,
	// returning the byte count and the hex SHA-256 digest computed in-line.
	WriteStream(ctx context.Context, path string, r io.Reader) (int64, string, error)

	// HashFile streams the file at path through SHA-256 and returns the hex digest.
	HashFile(ctx context.Context, path string) (string, error)
}

// SessionState is the upload session state machine, derived entirely from
// filesystem probes. Any process can recompute it by stat-ing the session
// directory; it is never stored redundantly.
type SessionState int

const (
	// SessionMissing means no session directory exists.
	SessionMissing SessionState = iota
	// SessionUploading means the session accepts part writes.
	SessionUploading
	// SessionFinalizing means a finalize holds the exclusive session lock.
	SessionFinalizing
	// SessionDone means the session has been merged and committed.
	SessionDone
)

func (s SessionState) String() string {
	switch s {
	case SessionMissing:
		return "missing"
	case SessionUploading:
		return "uploading"
	case SessionFinalizing:
		return "finalizing"
	case SessionDone:
		return "done"
	default:
		return "unknown"
	}
}

// SessionInfo is a point-in-time probe of one upload session directory.
type SessionInfo struct {
	ID       string
	Owner    string // user that initialized the session; empty when unrecorded
	State    SessionState
	Parts    map[int]int64 // part number -> size
	ModTime  time.Time
	LockTime time.Time // zero unless State == SessionFinalizing
}

// UploadCapable is implemented by backends that can host resumable upload
// sessions as on-disk directories.
type UploadCapable interface {
	// InitSession creates the session directory for uploadID and records
	// its owner.
	InitSession(ctx context.Context, uploadID, owner string) error

	// WritePart stores one chunk via temp-file-then-rename. A re-write of an
	// existing part succeeds only when the size matches (idempotent retry);
	// otherwise ErrPartConflict. Touches the session directory mtime.
	WritePart(ctx context.Context, uploadID string, part int, r io.Reader) (int64, error)

	// ProbeSession derives the session state from directory contents.
	ProbeSession(ctx context.Context, uploadID string) (SessionInfo, error)

	// LockSession atomically creates the finalize lock marker.
	// Fails with ErrSessionLocked when already held.
	LockSession(ctx context.Context, uploadID string) error

	// UnlockSession removes the finalize lock marker.
	UnlockSession(ctx context.Context, uploadID string) error

	// MarkSessionDone creates the done marker.
	MarkSessionDone(ctx context.Context, uploadID string) error

	// MergeParts streams parts [1..totalParts] in ascending order into dst via
	// temp file, fsync and atomic rename, returning size and hex SHA-256
	// digest computed while streaming.
	MergeParts(ctx context.Context, uploadID string, totalParts int, dst string) (int64, string, error)

	// RemoveSession deletes the whole session directory.
	RemoveSession(ctx context.Context, uploadID string) error

	// ListSessions enumerates all session IDs present on the backend.
	ListSessions(ctx context.Context) ([]string, error)
}

// ZipEntry names one file to include in an archive.
type ZipEntry struct {
	// ArcName is the entry path inside the archive.
	ArcName string
	// Path is the backend-relative source path. Empty for directory entries.
	Path string
	// IsDir marks an explicit directory entry.
	IsDir bool
}

// ExtractedItem describes one entry materialized by ExtractZip.
type ExtractedItem struct {
	// RelPath is the entry path relative to the extraction destination,
	// using forward slashes.
	RelPath string
	IsDir   bool
	Size    int64
	Digest  string // hex SHA-256, empty for directories
}

// ArchiveCapable is implemented by backends that can build and unpack zip
// archives directly against their storage root.
type ArchiveCapable interface {
	// CreateZip writes a zip archive at dst containing the given entries,
	// returning the archive size and hex SHA-256 digest. The partial archive
	// is removed on error.
	CreateZip(ctx context.Context, dst string, entries []ZipEntry) (int64, string, error)

	// ExtractZip unpacks the archive at src under dstDir, rejecting entries
	// that escape dstDir or collide with existing paths. Returns the created
	// items in creation order (parents before children).
	ExtractZip(ctx context.Context, src, dstDir string) ([]ExtractedItem, error)
}
