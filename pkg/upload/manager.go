// Package upload implements chunked, resumable uploads on top of
// session-capable storage backends.
//
// A session's entire state lives in its on-disk directory; the upload ID
// carries the part count. The manager composes the pieces: quota reservation
// on init, per-user concurrency limiting and TTL refresh on part writes, and
// an exclusive-lock merge on finalize. Any manager instance, including one
// started after a crash, can resume, finalize or cancel any session.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/audit"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/metrics"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// Settings supplies the tunables the manager reads on every call, so a config
// reload takes effect without restarting in-flight sessions.
type Settings interface {
	// PartSize returns the fixed chunk size in bytes.
	PartSize() int64
	// MaxFileSize returns the single-file size limit in bytes; 0 disables it.
	MaxFileSize() int64
	// SessionTTL returns how long an idle session survives.
	SessionTTL() time.Duration
	// DoneTTL returns how long a finalized session directory is retained.
	DoneTTL() time.Duration
	// DefaultStorageID returns the backend used when the caller names none.
	DefaultStorageID() string
}

// Manager drives the upload session lifecycle.
type Manager struct {
	registry *storage.Registry
	store    *index.Store
	ledger   *quota.Ledger
	settings Settings
	limiter  *Limiter
	metrics  *metrics.Metrics
	audit    audit.Sink
}

// NewManager wires an upload manager.
func NewManager(registry *storage.Registry, store *index.Store, ledger *quota.Ledger,
	settings Settings, limiter *Limiter, m *metrics.Metrics, sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Manager{
		registry: registry,
		store:    store,
		ledger:   ledger,
		settings: settings,
		limiter:  limiter,
		metrics:  m,
		audit:    sink,
	}
}

// InitRequest describes a new upload.
type InitRequest struct {
	// StorageID selects the backend; empty means the configured default.
	StorageID string
	// ParentID is the destination directory; nil means the user's root.
	ParentID *string
	// Name is the final file name.
	Name string
	// Size is the declared total size in bytes. The reservation uses it; the
	// merged size is what actually gets committed.
	Size int64
	// Overwrite allows replacing an existing file of the same name.
	Overwrite bool
}

// Session describes an initialized upload to the client.
type Session struct {
	UploadID   string    `json:"upload_id"`
	StorageID  string    `json:"storage_id"`
	PartSize   int64     `json:"part_size"`
	TotalParts int       `json:"total_parts"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Status is a point-in-time view of a session.
type Status struct {
	UploadID     string `json:"upload_id"`
	State        string `json:"state"`
	TotalParts   int    `json:"total_parts"`
	Received     int    `json:"received"`
	MissingParts []int  `json:"missing_parts,omitempty"`
	BytesStored  int64  `json:"bytes_stored"`
	// ExpiresIn is the number of seconds left before the idle session is
	// eligible for collection; zero once the deadline has passed.
	ExpiresIn int64 `json:"expires_in"`
}

// FinalizeRequest names the destination for a completed upload. Sessions carry
// no target binding of their own, so finalize states it in full; retrying with
// the same target is idempotent.
type FinalizeRequest struct {
	UploadID  string
	ParentID  *string
	Name      string
	MimeType  string
	Overwrite bool
}

// Init validates the destination, reserves quota for the declared size and
// creates the session directory.
func (m *Manager) Init(ctx context.Context, userID string, req InitRequest) (*Session, error) {
	if err := storage.EnsureName(req.Name); err != nil {
		return nil, err
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("negative declared size %d", req.Size)
	}
	if limit := m.settings.MaxFileSize(); limit > 0 && req.Size > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFileTooLarge, req.Size, limit)
	}

	storageID := req.StorageID
	if storageID == "" {
		storageID = m.settings.DefaultStorageID()
	}
	backend, uploads, err := m.uploadBackend(storageID)
	if err != nil {
		return nil, err
	}

	if _, err := m.resolveParent(ctx, userID, req.ParentID, backend.ID()); err != nil {
		return nil, err
	}

	// Advisory conflict check; finalize re-checks inside its transaction.
	existing, err := m.store.GetChildByName(ctx, userID, req.ParentID, req.Name)
	switch {
	case err == nil:
		if existing.IsDir || !req.Overwrite {
			return nil, fmt.Errorf("%w: %q", ErrNameConflict, req.Name)
		}
	case !errors.Is(err, index.ErrEntryNotFound):
		return nil, err
	}

	partSize := m.settings.PartSize()
	totalParts := int((req.Size + partSize - 1) / partSize)
	if totalParts < 1 {
		totalParts = 1 // empty files still go through one (empty) part
	}
	if totalParts > maxParts {
		return nil, fmt.Errorf("declared size %d needs %d parts, limit %d", req.Size, totalParts, maxParts)
	}

	uploadID := newUploadID(totalParts)
	ttl := m.settings.SessionTTL()

	if err := m.ledger.Reserve(ctx, userID, uploadID, req.Size, ttl); err != nil {
		return nil, err
	}
	if err := uploads.InitSession(ctx, uploadID, userID); err != nil {
		if rerr := m.ledger.Release(ctx, userID, uploadID); rerr != nil {
			logger.WarnCtx(ctx, "failed to release reservation after init failure",
				"upload_id", uploadID, "error", rerr)
		}
		return nil, err
	}

	logger.InfoCtx(ctx, "upload session initialized",
		"upload_id", uploadID, "user_id", userID, "storage_id", backend.ID(),
		"declared_size", req.Size, "total_parts", totalParts)

	return &Session{
		UploadID:   uploadID,
		StorageID:  backend.ID(),
		PartSize:   partSize,
		TotalParts: totalParts,
		ExpiresAt:  time.Now().Add(ttl).UTC(),
	}, nil
}

// WritePart stores one chunk. Parts arrive in any order; a byte-identical
// retry of a stored part is accepted. Each successful write refreshes the
// quota reservation TTL.
func (m *Manager) WritePart(ctx context.Context, userID, uploadID string, part int, r io.Reader) (int64, error) {
	totalParts, err := parseUploadID(uploadID)
	if err != nil {
		return 0, err
	}
	if part < 1 || part > totalParts {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidPartNumber, part, totalParts)
	}

	if err := m.limiter.Acquire(ctx, userID); err != nil {
		return 0, err
	}
	defer m.limiter.Release(userID)

	backend, uploads, info, err := m.findSession(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if err := checkOwner(info, userID); err != nil {
		return 0, err
	}

	n, err := uploads.WritePart(ctx, uploadID, part, r)
	if err != nil {
		return 0, mapSessionError(err)
	}
	m.metrics.AddUploadBytes(backend.ID(), n)

	if err := m.ledger.Refresh(ctx, userID, uploadID, m.settings.SessionTTL()); err != nil {
		logger.WarnCtx(ctx, "failed to refresh quota reservation",
			"upload_id", uploadID, "error", err)
	}
	return n, nil
}

// Status reports the session's current state, which parts are missing and how
// long the session survives without further writes. Sessions owned by another
// user are indistinguishable from missing ones.
func (m *Manager) Status(ctx context.Context, userID, uploadID string) (*Status, error) {
	totalParts, err := parseUploadID(uploadID)
	if err != nil {
		return nil, err
	}
	_, _, info, err := m.findSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(info, userID); err != nil {
		return nil, err
	}

	ttl := m.settings.SessionTTL()
	if info.State == storage.SessionDone {
		ttl = m.settings.DoneTTL()
	}
	remaining := ttl - time.Since(info.ModTime)
	if remaining < 0 {
		remaining = 0
	}

	st := &Status{
		UploadID:   uploadID,
		State:      info.State.String(),
		TotalParts: totalParts,
		Received:   len(info.Parts),
		ExpiresIn:  int64(remaining.Seconds()),
	}
	for part := 1; part <= totalParts; part++ {
		size, ok := info.Parts[part]
		if !ok {
			st.MissingParts = append(st.MissingParts, part)
			continue
		}
		st.BytesStored += size
	}
	return st, nil
}

// Finalize merges the parts into the destination file and commits it to the
// file index. The session lock makes concurrent finalizes mutually exclusive;
// a retry after success finds the done marker and returns the committed entry.
func (m *Manager) Finalize(ctx context.Context, userID string, req FinalizeRequest) (*index.FileEntry, error) {
	totalParts, err := parseUploadID(req.UploadID)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureName(req.Name); err != nil {
		return nil, err
	}

	backend, uploads, info, err := m.findSession(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(info, userID); err != nil {
		return nil, err
	}
	if info.State == storage.SessionDone {
		return m.committedEntry(ctx, userID, req)
	}

	if err := uploads.LockSession(ctx, req.UploadID); err != nil {
		return nil, mapSessionError(err)
	}
	// The lock is released on every failure path. Success leaves the done
	// marker instead; the lock file is irrelevant once .done exists.
	fail := func(err error) (*index.FileEntry, error) {
		if uerr := uploads.UnlockSession(ctx, req.UploadID); uerr != nil {
			logger.WarnCtx(ctx, "failed to unlock upload session",
				"upload_id", req.UploadID, "error", uerr)
		}
		m.metrics.RecordFinalize("failed")
		return nil, err
	}

	// Re-probe under the lock; part writes are rejected from here on.
	info, err = uploads.ProbeSession(ctx, req.UploadID)
	if err != nil {
		return fail(err)
	}
	var missing []int
	for part := 1; part <= totalParts; part++ {
		if _, ok := info.Parts[part]; !ok {
			missing = append(missing, part)
		}
	}
	if len(missing) > 0 {
		return fail(fmt.Errorf("%w: missing %v", ErrChunkIncomplete, missing))
	}

	parent, err := m.resolveParent(ctx, userID, req.ParentID, backend.ID())
	if err != nil {
		return fail(err)
	}

	// The conflict check must precede the merge: the merge renames onto the
	// destination path, which for an overwrite IS the existing file.
	var replaced *index.FileEntry
	existing, err := m.store.GetChildByName(ctx, userID, req.ParentID, req.Name)
	switch {
	case err == nil:
		if existing.IsDir || !req.Overwrite {
			return fail(fmt.Errorf("%w: %q", ErrNameConflict, req.Name))
		}
		replaced = existing
	case !errors.Is(err, index.ErrEntryNotFound):
		return fail(err)
	}

	var parentPath string
	if parent != nil {
		parentPath = parent.StoragePath
	}
	dstPath := storage.BuildStoragePath(userID, parentPath, req.Name)

	// After the merge a failure can only delete the destination when nothing
	// was being replaced; with an overwrite the old content is already gone
	// and the index entry must keep pointing at a file that exists.
	cleanupDst := func() {
		if replaced == nil {
			_ = backend.Delete(ctx, dstPath, false)
		}
	}

	size, digest, err := uploads.MergeParts(ctx, req.UploadID, totalParts, dstPath)
	if err != nil {
		return fail(err)
	}
	if limit := m.settings.MaxFileSize(); limit > 0 && size > limit {
		cleanupDst()
		return fail(fmt.Errorf("%w: %d > %d", ErrFileTooLarge, size, limit))
	}

	// The reservation held the declared size; the merge is the truth. Check
	// the net committed delta before the index learns about the file.
	delta := size
	if replaced != nil {
		delta -= replaced.Size
	}
	if delta > 0 {
		if err := m.ledger.CheckCommit(ctx, userID, req.UploadID, delta); err != nil {
			cleanupDst()
			return fail(err)
		}
	}

	entry, err := m.commitEntry(ctx, userID, req, backend.ID(), dstPath, size, digest)
	if err != nil {
		cleanupDst()
		return fail(err)
	}

	if err := uploads.MarkSessionDone(ctx, req.UploadID); err != nil {
		logger.WarnCtx(ctx, "failed to mark upload session done",
			"upload_id", req.UploadID, "error", err)
	}
	if err := m.ledger.Release(ctx, userID, req.UploadID); err != nil {
		logger.WarnCtx(ctx, "failed to release quota reservation",
			"upload_id", req.UploadID, "error", err)
	}
	if _, err := m.ledger.RefreshUsedSpace(ctx, userID); err != nil {
		logger.WarnCtx(ctx, "failed to refresh used space",
			"user_id", userID, "error", err)
	}

	m.metrics.RecordFinalize("committed")
	m.audit.Record(ctx, audit.Event{
		Action:       audit.ActionUpload,
		ResourceType: "file",
		ResourceID:   entry.ID,
		Path:         entry.StoragePath,
		UserID:       userID,
		Detail:       fmt.Sprintf("size=%d parts=%d", size, totalParts),
	})
	logger.InfoCtx(ctx, "upload finalized",
		"upload_id", req.UploadID, "entry_id", entry.ID, "size", size)
	return entry, nil
}

// Cancel aborts an upload and releases its reservation. A session under
// finalize cannot be cancelled; a finished one reports ErrAlreadyCompleted.
func (m *Manager) Cancel(ctx context.Context, userID, uploadID string) error {
	if _, err := parseUploadID(uploadID); err != nil {
		return err
	}
	_, uploads, info, err := m.findSession(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := checkOwner(info, userID); err != nil {
		return err
	}
	switch info.State {
	case storage.SessionFinalizing:
		return ErrFinalizing
	case storage.SessionDone:
		return ErrAlreadyCompleted
	}
	if err := uploads.RemoveSession(ctx, uploadID); err != nil {
		return err
	}
	if err := m.ledger.Release(ctx, userID, uploadID); err != nil {
		logger.WarnCtx(ctx, "failed to release quota reservation on cancel",
			"upload_id", uploadID, "error", err)
	}
	logger.InfoCtx(ctx, "upload cancelled", "upload_id", uploadID, "user_id", userID)
	return nil
}

// commitEntry writes the finalized file into the index, re-validating the
// destination inside the transaction.
func (m *Manager) commitEntry(ctx context.Context, userID string, req FinalizeRequest,
	storageID, dstPath string, size int64, digest string) (*index.FileEntry, error) {

	var entry *index.FileEntry
	err := m.store.WithTransaction(ctx, func(tx *index.Tx) error {
		current, err := tx.GetChildByName(userID, req.ParentID, req.Name)
		switch {
		case err == nil:
			if current.IsDir || !req.Overwrite {
				return fmt.Errorf("%w: %q", ErrNameConflict, req.Name)
			}
			current.Size = size
			current.MimeType = req.MimeType
			current.ContentHash = digest
			if err := tx.SaveEntry(current); err != nil {
				return err
			}
			entry = current
			return nil
		case !errors.Is(err, index.ErrEntryNotFound):
			return err
		}

		// If the file we planned to replace vanished between the check and
		// the transaction, this is now a plain create.
		entry = &index.FileEntry{
			ID:              uuid.New().String(),
			UserID:          userID,
			ParentID:        req.ParentID,
			Name:            req.Name,
			IsDir:           false,
			Size:            size,
			MimeType:        req.MimeType,
			ContentHash:     digest,
			StorageID:       storageID,
			StoragePath:     dstPath,
			StoragePathHash: storage.PathHash(dstPath),
		}
		return tx.CreateEntry(entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// committedEntry resolves the already finalized upload to its index entry.
func (m *Manager) committedEntry(ctx context.Context, userID string, req FinalizeRequest) (*index.FileEntry, error) {
	entry, err := m.store.GetChildByName(ctx, userID, req.ParentID, req.Name)
	if err != nil {
		if errors.Is(err, index.ErrEntryNotFound) {
			return nil, ErrAlreadyCompleted
		}
		return nil, err
	}
	if entry.IsDir {
		return nil, ErrAlreadyCompleted
	}
	return entry, nil
}

// resolveParent validates the destination directory. nil parentID addresses
// the user's root and always resolves.
func (m *Manager) resolveParent(ctx context.Context, userID string, parentID *string, storageID string) (*index.FileEntry, error) {
	if parentID == nil {
		return nil, nil
	}
	parent, err := m.store.GetEntry(ctx, *parentID)
	if err != nil {
		return nil, err
	}
	if parent.UserID != userID || parent.IsDeleted {
		return nil, index.ErrEntryNotFound
	}
	if !parent.IsDir {
		return nil, ErrNotDirectory
	}
	if parent.StorageID != storageID {
		return nil, ErrStorageMismatch
	}
	return parent, nil
}

// uploadBackend resolves a storage ID to a session-capable backend.
func (m *Manager) uploadBackend(storageID string) (storage.Backend, storage.UploadCapable, error) {
	backend, err := m.registry.Get(storageID)
	if err != nil {
		return nil, nil, err
	}
	uploads, ok := backend.(storage.UploadCapable)
	if !ok {
		return nil, nil, fmt.Errorf("%w: storage %q has no upload sessions", storage.ErrNotSupported, storageID)
	}
	return backend, uploads, nil
}

// findSession locates the backend hosting an upload session by probing every
// session-capable backend, returning the probe alongside. The registry is
// small (a handful of roots), so a linear scan beats carrying a storage
// binding in the upload ID.
func (m *Manager) findSession(ctx context.Context, uploadID string) (storage.Backend, storage.UploadCapable, storage.SessionInfo, error) {
	for _, id := range m.registry.IDs() {
		backend, err := m.registry.Get(id)
		if err != nil {
			continue
		}
		uploads, ok := backend.(storage.UploadCapable)
		if !ok {
			continue
		}
		info, err := uploads.ProbeSession(ctx, uploadID)
		if err != nil {
			return nil, nil, storage.SessionInfo{}, err
		}
		if info.State != storage.SessionMissing {
			return backend, uploads, info, nil
		}
	}
	return nil, nil, storage.SessionInfo{}, ErrUploadNotFound
}

// checkOwner hides sessions initialized by another user. A session carrying
// no owner record is accessible to any caller.
func checkOwner(info storage.SessionInfo, userID string) error {
	if info.Owner != "" && info.Owner != userID {
		return ErrUploadNotFound
	}
	return nil
}

// mapSessionError lifts storage-level session errors into upload domain errors.
func mapSessionError(err error) error {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return ErrUploadNotFound
	case errors.Is(err, storage.ErrSessionLocked):
		return ErrFinalizing
	case errors.Is(err, storage.ErrSessionDone):
		return ErrAlreadyCompleted
	case errors.Is(err, storage.ErrPartConflict):
		return ErrPartConflict
	}
	return err
}
