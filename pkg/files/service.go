// Package files is the mutation engine for the logical file tree.
//
// Every operation follows the same discipline: validate against the index,
// perform the physical change first, then commit the index rewrite in one
// transaction. If the transaction fails, the physical change is compensated
// (moved back), so the index never claims state the backend does not hold.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/audit"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/metrics"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// Settings supplies the service's tunables.
type Settings interface {
	// DefaultStorageID returns the backend used when the caller names none.
	DefaultStorageID() string
}

// Service executes tree mutations against the file index and storage backends.
type Service struct {
	registry *storage.Registry
	store    *index.Store
	ledger   *quota.Ledger
	settings Settings
	metrics  *metrics.Metrics
	audit    audit.Sink
}

// NewService wires a mutation service.
func NewService(registry *storage.Registry, store *index.Store, ledger *quota.Ledger,
	settings Settings, m *metrics.Metrics, sink audit.Sink) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		registry: registry,
		store:    store,
		ledger:   ledger,
		settings: settings,
		metrics:  m,
		audit:    sink,
	}
}

// Get returns an entry owned by the user.
func (s *Service) Get(ctx context.Context, userID, entryID string) (*index.FileEntry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		return nil, index.ErrEntryNotFound
	}
	return entry, nil
}

// List returns the live children of a directory; parentID nil lists the root.
func (s *Service) List(ctx context.Context, userID string, parentID *string) ([]*index.FileEntry, error) {
	if parentID != nil {
		parent, err := s.Get(ctx, userID, *parentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsDir {
			return nil, ErrNotDirectory
		}
		if parent.IsDeleted {
			return nil, ErrAlreadyDeleted
		}
	}
	return s.store.ListChildren(ctx, userID, parentID)
}

// Open returns a reader over a live file's content plus its entry.
func (s *Service) Open(ctx context.Context, userID, entryID string) (io.ReadCloser, *index.FileEntry, error) {
	entry, err := s.Get(ctx, userID, entryID)
	if err != nil {
		return nil, nil, err
	}
	if entry.IsDir {
		return nil, nil, ErrIsDirectory
	}
	if entry.IsDeleted {
		return nil, nil, ErrAlreadyDeleted
	}
	backend, err := s.registry.Get(entry.StorageID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := backend.Open(ctx, entry.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionDownload,
		ResourceType: "file",
		ResourceID:   entry.ID,
		Path:         entry.StoragePath,
		UserID:       userID,
	})
	return rc, entry, nil
}

// CreateDir creates a directory. The physical directory is made first; if the
// index insert then loses a race, the directory is removed again.
func (s *Service) CreateDir(ctx context.Context, userID string, parentID *string, name, storageID string) (*index.FileEntry, error) {
	if err := storage.EnsureName(name); err != nil {
		return nil, err
	}
	if storageID == "" {
		storageID = s.settings.DefaultStorageID()
	}

	parent, err := s.resolveParent(ctx, userID, parentID)
	if err != nil {
		return nil, err
	}
	var parentPath string
	if parent != nil {
		storageID = parent.StorageID // children inherit the parent's backend
		parentPath = parent.StoragePath
	}

	if _, err := s.store.GetChildByName(ctx, userID, parentID, name); err == nil {
		s.metrics.RecordMutation("mkdir", "conflict")
		return nil, fmt.Errorf("%w: %q", ErrNameConflict, name)
	} else if !errors.Is(err, index.ErrEntryNotFound) {
		return nil, err
	}

	backend, err := s.registry.Get(storageID)
	if err != nil {
		return nil, err
	}
	dirPath := storage.BuildStoragePath(userID, parentPath, name)
	if err := backend.EnsureDir(ctx, dirPath); err != nil {
		s.metrics.RecordMutation("mkdir", "error")
		return nil, err
	}

	entry := &index.FileEntry{
		ID:              uuid.New().String(),
		UserID:          userID,
		ParentID:        parentID,
		Name:            name,
		IsDir:           true,
		StorageID:       storageID,
		StoragePath:     dirPath,
		StoragePathHash: storage.PathHash(dirPath),
	}
	err = s.store.WithTransaction(ctx, func(tx *index.Tx) error {
		if _, err := tx.GetChildByName(userID, parentID, name); err == nil {
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		} else if !errors.Is(err, index.ErrEntryNotFound) {
			return err
		}
		return tx.CreateEntry(entry)
	})
	if err != nil {
		// Only remove what this call created: an empty directory.
		if derr := backend.Delete(ctx, dirPath, false); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			logger.WarnCtx(ctx, "failed to remove directory after index conflict",
				"path", dirPath, "error", derr)
		}
		s.metrics.RecordMutation("mkdir", "conflict")
		return nil, err
	}

	s.metrics.RecordMutation("mkdir", "ok")
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionMkdir,
		ResourceType: "dir",
		ResourceID:   entry.ID,
		Path:         dirPath,
		UserID:       userID,
	})
	return entry, nil
}

// Move relocates an entry under a new parent and/or name. newName empty keeps
// the current name. A pure rename is a move with the same parent.
func (s *Service) Move(ctx context.Context, userID, entryID string, newParentID *string, newName string) (*index.FileEntry, error) {
	entry, err := s.Get(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.IsDeleted {
		return nil, ErrAlreadyDeleted
	}
	if newName == "" {
		newName = entry.Name
	}
	if err := storage.EnsureName(newName); err != nil {
		return nil, err
	}
	kind := "move"
	if sameParent(entry.ParentID, newParentID) {
		if newName == entry.Name {
			return entry, nil // no-op
		}
		kind = "rename"
	}

	parent, err := s.resolveParent(ctx, userID, newParentID)
	if err != nil {
		return nil, err
	}
	var parentPath string
	if parent != nil {
		if parent.StorageID != entry.StorageID {
			s.metrics.RecordMutation(kind, "conflict")
			return nil, ErrCrossStorage
		}
		if parent.ID == entry.ID || strings.HasPrefix(parent.StoragePath+"/", entry.StoragePath+"/") {
			s.metrics.RecordMutation(kind, "conflict")
			return nil, ErrMoveIntoSelf
		}
		parentPath = parent.StoragePath
	}

	if existing, err := s.store.GetChildByName(ctx, userID, newParentID, newName); err == nil && existing.ID != entry.ID {
		s.metrics.RecordMutation(kind, "conflict")
		return nil, fmt.Errorf("%w: %q", ErrNameConflict, newName)
	} else if err != nil && !errors.Is(err, index.ErrEntryNotFound) {
		return nil, err
	}

	oldPath := entry.StoragePath
	newPath := storage.BuildStoragePath(userID, parentPath, newName)

	backend, err := s.registry.Get(entry.StorageID)
	if err != nil {
		return nil, err
	}
	if err := backend.Move(ctx, oldPath, newPath); err != nil {
		s.metrics.RecordMutation(kind, "error")
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(tx *index.Tx) error {
		descendants, err := tx.ListDescendantsByPrefix(userID, oldPath, true)
		if err != nil {
			return err
		}
		entry.ParentID = newParentID
		entry.Name = newName
		entry.StoragePath = newPath
		entry.StoragePathHash = storage.PathHash(newPath)
		if err := tx.SaveEntry(entry); err != nil {
			return err
		}
		return rewriteDescendants(tx, descendants, oldPath, newPath)
	})
	if err != nil {
		// Compensate: put the bytes back where the index still says they are.
		if merr := backend.Move(ctx, newPath, oldPath); merr != nil {
			logger.ErrorCtx(ctx, "failed to compensate move, index and storage diverged",
				"entry_id", entry.ID, "from", newPath, "to", oldPath, "error", merr)
		}
		s.metrics.RecordMutation(kind, "error")
		return nil, err
	}

	s.metrics.RecordMutation(kind, "ok")
	action := audit.ActionMove
	if kind == "rename" {
		action = audit.ActionRename
	}
	s.audit.Record(ctx, audit.Event{
		Action:       action,
		ResourceType: resourceType(entry),
		ResourceID:   entry.ID,
		Path:         newPath,
		UserID:       userID,
		Detail:       "from=" + oldPath,
	})
	logger.InfoCtx(ctx, "entry moved",
		"entry_id", entry.ID, "from", oldPath, "to", newPath)
	return entry, nil
}

// resolveParent validates a destination directory; nil addresses the root.
func (s *Service) resolveParent(ctx context.Context, userID string, parentID *string) (*index.FileEntry, error) {
	if parentID == nil {
		return nil, nil
	}
	parent, err := s.Get(ctx, userID, *parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir {
		return nil, ErrNotDirectory
	}
	if parent.IsDeleted {
		return nil, ErrAlreadyDeleted
	}
	return parent, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func resourceType(e *index.FileEntry) string {
	if e.IsDir {
		return "dir"
	}
	return "file"
}
