package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/audit"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// trashTimeToken stamps trash directory names; seconds granularity is enough
// because the entry ID in the same component guarantees uniqueness.
const trashTimeToken = "20060102T150405"

// SoftDelete moves an entry's whole subtree into the user's trash namespace.
// The subtree stays intact under its new path so restore is a single move.
// Deleting a non-empty directory requires recursive.
func (s *Service) SoftDelete(ctx context.Context, userID, entryID string, recursive bool) (*index.FileEntry, error) {
	entry, err := s.Get(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.IsDeleted || storage.IsTrashPath(entry.StoragePath) {
		return nil, ErrAlreadyDeleted
	}
	if entry.IsDir && !recursive {
		children, err := s.store.ListChildren(ctx, userID, &entry.ID)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return nil, fmt.Errorf("%w: %q", ErrDirNotEmpty, entry.Name)
		}
	}

	backend, err := s.registry.Get(entry.StorageID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	oldPath := entry.StoragePath
	trashPath := storage.BuildTrashPath(userID, entry.ID, entry.Name, now.Format(trashTimeToken))

	if err := backend.Move(ctx, oldPath, trashPath); err != nil {
		s.metrics.RecordMutation("delete", "error")
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(tx *index.Tx) error {
		descendants, err := tx.ListDescendantsByPrefix(userID, oldPath, true)
		if err != nil {
			return err
		}
		entry.StoragePath = trashPath
		entry.StoragePathHash = storage.PathHash(trashPath)
		if err := tx.SaveEntry(entry); err != nil {
			return err
		}
		if err := rewriteDescendants(tx, descendants, oldPath, trashPath); err != nil {
			return err
		}
		ids := entryIDs(entry, descendants)
		return tx.MarkDeleted(ids, now)
	})
	if err != nil {
		if merr := backend.Move(ctx, trashPath, oldPath); merr != nil {
			logger.ErrorCtx(ctx, "failed to compensate soft delete, index and storage diverged",
				"entry_id", entry.ID, "from", trashPath, "to", oldPath, "error", merr)
		}
		s.metrics.RecordMutation("delete", "error")
		return nil, err
	}

	if _, err := s.ledger.RefreshUsedSpace(ctx, userID); err != nil {
		logger.WarnCtx(ctx, "failed to refresh used space", "user_id", userID, "error", err)
	}
	s.metrics.RecordMutation("delete", "ok")
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionDelete,
		ResourceType: resourceType(entry),
		ResourceID:   entry.ID,
		Path:         trashPath,
		UserID:       userID,
		Detail:       "from=" + oldPath,
	})
	logger.InfoCtx(ctx, "entry soft-deleted", "entry_id", entry.ID, "trash_path", trashPath)
	return entry, nil
}

// Restore moves a deleted subtree out of the trash, back under its original
// parent when that parent still exists, otherwise to the user's root. Name
// collisions get a " (restored)" suffix, numbered when necessary.
func (s *Service) Restore(ctx context.Context, userID, entryID string) (*index.FileEntry, error) {
	entry, err := s.Get(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	if !entry.IsDeleted {
		return nil, ErrNotDeleted
	}
	if !isTrashRoot(userID, entry.StoragePath) {
		return nil, ErrNotTrashRoot
	}

	backend, err := s.registry.Get(entry.StorageID)
	if err != nil {
		return nil, err
	}

	parentID, parentPath := s.restoreTarget(ctx, userID, entry)
	name, err := s.freeName(ctx, userID, parentID, entry.Name)
	if err != nil {
		s.metrics.RecordMutation("restore", "conflict")
		return nil, err
	}

	trashPath := entry.StoragePath
	newPath := storage.BuildStoragePath(userID, parentPath, name)

	if err := backend.Move(ctx, trashPath, newPath); err != nil {
		s.metrics.RecordMutation("restore", "error")
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(tx *index.Tx) error {
		descendants, err := tx.ListDescendantsByPrefix(userID, trashPath, true)
		if err != nil {
			return err
		}
		entry.ParentID = parentID
		entry.Name = name
		entry.StoragePath = newPath
		entry.StoragePathHash = storage.PathHash(newPath)
		if err := tx.SaveEntry(entry); err != nil {
			return err
		}
		if err := rewriteDescendants(tx, descendants, trashPath, newPath); err != nil {
			return err
		}
		return tx.MarkRestored(entryIDs(entry, descendants))
	})
	if err != nil {
		if merr := backend.Move(ctx, newPath, trashPath); merr != nil {
			logger.ErrorCtx(ctx, "failed to compensate restore, index and storage diverged",
				"entry_id", entry.ID, "from", newPath, "to", trashPath, "error", merr)
		}
		s.metrics.RecordMutation("restore", "error")
		return nil, err
	}

	if _, err := s.ledger.RefreshUsedSpace(ctx, userID); err != nil {
		logger.WarnCtx(ctx, "failed to refresh used space", "user_id", userID, "error", err)
	}
	s.metrics.RecordMutation("restore", "ok")
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionRestore,
		ResourceType: resourceType(entry),
		ResourceID:   entry.ID,
		Path:         newPath,
		UserID:       userID,
		Detail:       "from=" + trashPath,
	})
	logger.InfoCtx(ctx, "entry restored", "entry_id", entry.ID, "path", newPath)
	return entry, nil
}

// HardDelete permanently removes a deleted subtree: bytes first, rows second.
// A crash between the two leaves orphaned rows pointing at nothing, which is
// recoverable; the reverse order could leak unaccounted bytes forever.
func (s *Service) HardDelete(ctx context.Context, userID, entryID string) error {
	entry, err := s.Get(ctx, userID, entryID)
	if err != nil {
		return err
	}
	if !entry.IsDeleted {
		return ErrNotDeleted
	}
	if !isTrashRoot(userID, entry.StoragePath) {
		return ErrNotTrashRoot
	}

	backend, err := s.registry.Get(entry.StorageID)
	if err != nil {
		return err
	}
	descendants, err := s.store.ListDescendantsByPrefix(ctx, userID, entry.StoragePath, true)
	if err != nil {
		return err
	}

	// Remove the whole <token>_<id> container, not just the named entry.
	container := entry.StoragePath[:strings.LastIndexByte(entry.StoragePath, '/')]
	if err := backend.Delete(ctx, container, true); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.metrics.RecordMutation("purge", "error")
		return err
	}
	if err := s.store.DeleteEntries(ctx, entryIDs(entry, descendants)); err != nil {
		s.metrics.RecordMutation("purge", "error")
		return err
	}

	s.metrics.RecordMutation("purge", "ok")
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionPurge,
		ResourceType: resourceType(entry),
		ResourceID:   entry.ID,
		Path:         entry.StoragePath,
		UserID:       userID,
		Detail:       fmt.Sprintf("entries=%d", 1+len(descendants)),
	})
	logger.InfoCtx(ctx, "entry purged", "entry_id", entry.ID, "entries", 1+len(descendants))
	return nil
}

// ListTrash returns the roots of the user's deleted subtrees, newest first.
func (s *Service) ListTrash(ctx context.Context, userID string) ([]*index.FileEntry, error) {
	return s.store.ListTrash(ctx, userID, storage.TrashPrefix(userID))
}

// PurgeTrash hard-deletes every trash root deleted more than olderThan ago;
// zero purges everything. Returns the number of purged subtrees.
func (s *Service) PurgeTrash(ctx context.Context, userID string, olderThan time.Duration) (int, error) {
	roots, err := s.ListTrash(ctx, userID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for _, root := range roots {
		if olderThan > 0 && (root.DeletedAt == nil || root.DeletedAt.After(cutoff)) {
			continue
		}
		if err := s.HardDelete(ctx, userID, root.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// restoreTarget picks where a restore lands: the original parent when it is
// still a live directory, the root otherwise.
func (s *Service) restoreTarget(ctx context.Context, userID string, entry *index.FileEntry) (*string, string) {
	if entry.ParentID == nil {
		return nil, ""
	}
	parent, err := s.store.GetEntry(ctx, *entry.ParentID)
	if err != nil || parent.UserID != userID || !parent.IsDir || parent.IsDeleted {
		return nil, ""
	}
	return entry.ParentID, parent.StoragePath
}

// freeName returns base if unused in the destination, otherwise the first
// free " (restored)" variant.
func (s *Service) freeName(ctx context.Context, userID string, parentID *string, base string) (string, error) {
	const maxProbes = 1000
	for i := 0; i <= maxProbes; i++ {
		name := base
		switch {
		case i == 1:
			name = base + " (restored)"
		case i > 1:
			name = fmt.Sprintf("%s (restored %d)", base, i)
		}
		_, err := s.store.GetChildByName(ctx, userID, parentID, name)
		if errors.Is(err, index.ErrEntryNotFound) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %q", ErrRestoreConflict, base)
}

// isTrashRoot reports whether path names the subtree root directly under the
// user's <token>_<id> trash container.
func isTrashRoot(userID, path string) bool {
	prefix := storage.TrashPrefix(userID)
	if !strings.HasPrefix(path, prefix+"/") {
		return false
	}
	return strings.Count(path, "/") == strings.Count(prefix, "/")+2
}

// entryIDs collects the IDs of a subtree root and its descendants.
func entryIDs(root *index.FileEntry, descendants []*index.FileEntry) []string {
	ids := make([]string, 0, 1+len(descendants))
	ids = append(ids, root.ID)
	for _, e := range descendants {
		ids = append(ids, e.ID)
	}
	return ids
}
