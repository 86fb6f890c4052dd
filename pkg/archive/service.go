// Package archive builds and unpacks zip archives over indexed files.
//
// Compression and extraction follow the mutation engine's discipline: the
// physical artifact is produced first, quota is checked against its real
// size, and the index learns about it in one transaction. Failures remove
// the partial artifact so storage never holds bytes the index cannot see.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/audit"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/metrics"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

const zipSuffix = ".zip"
const zipMimeType = "application/zip"

// Service executes archive operations.
type Service struct {
	registry *storage.Registry
	store    *index.Store
	ledger   *quota.Ledger
	metrics  *metrics.Metrics
	audit    audit.Sink
}

// NewService wires an archive service.
func NewService(registry *storage.Registry, store *index.Store, ledger *quota.Ledger,
	m *metrics.Metrics, sink audit.Sink) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{registry: registry, store: store, ledger: ledger, metrics: m, audit: sink}
}

// CompressRequest names the sources and the destination of a new archive.
type CompressRequest struct {
	// EntryIDs are the files and directories to include, top-level.
	EntryIDs []string
	// ParentID is the directory receiving the archive; nil means the root.
	ParentID *string
	// Name is the archive file name; ".zip" is appended when missing.
	Name string
}

// Compress builds a zip from the given entries and commits it as a new file.
func (s *Service) Compress(ctx context.Context, userID string, req CompressRequest) (*index.FileEntry, error) {
	entry, err := s.compress(ctx, userID, req)
	if err != nil {
		s.metrics.RecordArchiveJob("compress", "failed")
		return nil, err
	}
	s.metrics.RecordArchiveJob("compress", "done")
	return entry, nil
}

func (s *Service) compress(ctx context.Context, userID string, req CompressRequest) (*index.FileEntry, error) {
	if len(req.EntryIDs) == 0 {
		return nil, ErrNothingToArchive
	}
	name := req.Name
	if !strings.HasSuffix(strings.ToLower(name), zipSuffix) {
		name += zipSuffix
	}
	if err := storage.EnsureName(name); err != nil {
		return nil, err
	}

	sources, storageID, err := s.loadSources(ctx, userID, req.EntryIDs)
	if err != nil {
		return nil, err
	}
	parent, parentPath, err := s.resolveParent(ctx, userID, req.ParentID)
	if err != nil {
		return nil, err
	}
	if parent != nil && parent.StorageID != storageID {
		return nil, ErrMixedStorage
	}

	backend, arc, err := s.archiveBackend(storageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetChildByName(ctx, userID, req.ParentID, name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrNameConflict, name)
	} else if !errors.Is(err, index.ErrEntryNotFound) {
		return nil, err
	}

	zipEntries, err := s.collectZipEntries(ctx, userID, sources)
	if err != nil {
		return nil, err
	}

	dstPath := storage.BuildStoragePath(userID, parentPath, name)
	size, digest, err := arc.CreateZip(ctx, dstPath, zipEntries)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*index.FileEntry, error) {
		if derr := backend.Delete(ctx, dstPath, false); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			logger.WarnCtx(ctx, "failed to remove archive after error", "path", dstPath, "error", derr)
		}
		return nil, err
	}

	if err := s.ledger.CheckCommit(ctx, userID, "", size); err != nil {
		return fail(err)
	}

	entry := &index.FileEntry{
		ID:              uuid.New().String(),
		UserID:          userID,
		ParentID:        req.ParentID,
		Name:            name,
		IsDir:           false,
		Size:            size,
		MimeType:        zipMimeType,
		ContentHash:     digest,
		StorageID:       storageID,
		StoragePath:     dstPath,
		StoragePathHash: storage.PathHash(dstPath),
	}
	err = s.store.WithTransaction(ctx, func(tx *index.Tx) error {
		if _, err := tx.GetChildByName(userID, req.ParentID, name); err == nil {
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		} else if !errors.Is(err, index.ErrEntryNotFound) {
			return err
		}
		return tx.CreateEntry(entry)
	})
	if err != nil {
		return fail(err)
	}

	if _, err := s.ledger.RefreshUsedSpace(ctx, userID); err != nil {
		logger.WarnCtx(ctx, "failed to refresh used space", "user_id", userID, "error", err)
	}
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCompress,
		ResourceType: "archive",
		ResourceID:   entry.ID,
		Path:         dstPath,
		UserID:       userID,
		Detail:       fmt.Sprintf("sources=%d size=%d", len(sources), size),
	})
	logger.InfoCtx(ctx, "archive created", "entry_id", entry.ID, "path", dstPath, "size", size)
	return entry, nil
}

// ExtractRequest names the archive and the directory to unpack it into.
type ExtractRequest struct {
	// EntryID is the zip file to extract.
	EntryID string
	// ParentID receives the extraction directory; nil means the archive's
	// own parent.
	ParentID *string
	// DirName is the extraction directory name; empty derives it from the
	// archive name.
	DirName string
}

// Extract unpacks a zip archive into a fresh directory and indexes every
// extracted entry. Returns the created directory.
func (s *Service) Extract(ctx context.Context, userID string, req ExtractRequest) (*index.FileEntry, error) {
	entry, err := s.extract(ctx, userID, req)
	if err != nil {
		s.metrics.RecordArchiveJob("extract", "failed")
		return nil, err
	}
	s.metrics.RecordArchiveJob("extract", "done")
	return entry, nil
}

func (s *Service) extract(ctx context.Context, userID string, req ExtractRequest) (*index.FileEntry, error) {
	src, err := s.store.GetEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	if src.UserID != userID || src.IsDeleted {
		return nil, index.ErrEntryNotFound
	}
	if src.IsDir || !strings.HasSuffix(strings.ToLower(src.Name), zipSuffix) {
		return nil, fmt.Errorf("%w: %q", ErrNotArchive, src.Name)
	}

	parentID := req.ParentID
	if parentID == nil {
		parentID = src.ParentID
	}
	dirName := req.DirName
	if dirName == "" {
		dirName = src.Name[:len(src.Name)-len(zipSuffix)]
	}
	if err := storage.EnsureName(dirName); err != nil {
		return nil, err
	}

	parent, parentPath, err := s.resolveParent(ctx, userID, parentID)
	if err != nil {
		return nil, err
	}
	if parent != nil && parent.StorageID != src.StorageID {
		return nil, ErrMixedStorage
	}
	backend, arc, err := s.archiveBackend(src.StorageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetChildByName(ctx, userID, parentID, dirName); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrNameConflict, dirName)
	} else if !errors.Is(err, index.ErrEntryNotFound) {
		return nil, err
	}

	dstDir := storage.BuildStoragePath(userID, parentPath, dirName)
	if err := backend.EnsureDir(ctx, dstDir); err != nil {
		return nil, err
	}
	fail := func(err error) (*index.FileEntry, error) {
		if derr := backend.Delete(ctx, dstDir, true); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			logger.WarnCtx(ctx, "failed to remove extraction directory after error",
				"path", dstDir, "error", derr)
		}
		return nil, err
	}

	items, err := arc.ExtractZip(ctx, src.StoragePath, dstDir)
	if err != nil {
		return fail(err)
	}
	var totalSize int64
	for _, item := range items {
		totalSize += item.Size
	}
	if err := s.ledger.CheckCommit(ctx, userID, "", totalSize); err != nil {
		return fail(err)
	}

	dirEntry := &index.FileEntry{
		ID:              uuid.New().String(),
		UserID:          userID,
		ParentID:        parentID,
		Name:            dirName,
		IsDir:           true,
		StorageID:       src.StorageID,
		StoragePath:     dstDir,
		StoragePathHash: storage.PathHash(dstDir),
	}
	err = s.store.WithTransaction(ctx, func(tx *index.Tx) error {
		if _, err := tx.GetChildByName(userID, parentID, dirName); err == nil {
			return fmt.Errorf("%w: %q", ErrNameConflict, dirName)
		} else if !errors.Is(err, index.ErrEntryNotFound) {
			return err
		}
		if err := tx.CreateEntry(dirEntry); err != nil {
			return err
		}
		return s.indexExtractedItems(tx, userID, dirEntry, dstDir, items)
	})
	if err != nil {
		return fail(err)
	}

	if _, err := s.ledger.RefreshUsedSpace(ctx, userID); err != nil {
		logger.WarnCtx(ctx, "failed to refresh used space", "user_id", userID, "error", err)
	}
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionExtract,
		ResourceType: "archive",
		ResourceID:   src.ID,
		Path:         dstDir,
		UserID:       userID,
		Detail:       fmt.Sprintf("items=%d size=%d", len(items), totalSize),
	})
	logger.InfoCtx(ctx, "archive extracted",
		"entry_id", src.ID, "dir", dstDir, "items", len(items))
	return dirEntry, nil
}

// indexExtractedItems creates index entries for every extracted item,
// synthesizing directory entries for intermediate path components the zip
// never listed explicitly.
func (s *Service) indexExtractedItems(tx *index.Tx, userID string, root *index.FileEntry, dstDir string, items []storage.ExtractedItem) error {
	// rel dir path -> entry. "" is the extraction root.
	dirs := map[string]*index.FileEntry{"": root}

	ensureDir := func(rel string) (*index.FileEntry, error) {
		if e, ok := dirs[rel]; ok {
			return e, nil
		}
		// Build the chain top-down so parents exist first.
		var parent *index.FileEntry = root
		var prefix string
		for _, part := range strings.Split(rel, "/") {
			if prefix == "" {
				prefix = part
			} else {
				prefix = prefix + "/" + part
			}
			if e, ok := dirs[prefix]; ok {
				parent = e
				continue
			}
			path := dstDir + "/" + prefix
			e := &index.FileEntry{
				ID:              uuid.New().String(),
				UserID:          userID,
				ParentID:        &parent.ID,
				Name:            part,
				IsDir:           true,
				StorageID:       root.StorageID,
				StoragePath:     path,
				StoragePathHash: storage.PathHash(path),
			}
			if err := tx.CreateEntry(e); err != nil {
				return nil, err
			}
			dirs[prefix] = e
			parent = e
		}
		return parent, nil
	}

	for _, item := range items {
		if item.IsDir {
			if _, err := ensureDir(item.RelPath); err != nil {
				return err
			}
			continue
		}
		parentRel := ""
		name := item.RelPath
		if i := strings.LastIndexByte(item.RelPath, '/'); i >= 0 {
			parentRel = item.RelPath[:i]
			name = item.RelPath[i+1:]
		}
		parent, err := ensureDir(parentRel)
		if err != nil {
			return err
		}
		path := dstDir + "/" + item.RelPath
		e := &index.FileEntry{
			ID:              uuid.New().String(),
			UserID:          userID,
			ParentID:        &parent.ID,
			Name:            name,
			IsDir:           false,
			Size:            item.Size,
			ContentHash:     item.Digest,
			StorageID:       root.StorageID,
			StoragePath:     path,
			StoragePathHash: storage.PathHash(path),
		}
		if err := tx.CreateEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// collectZipEntries expands the sources into a flat entry list: files as-is,
// directories with their whole live subtree. Top-level arc-name collisions
// get a numbered suffix instead of failing the whole archive.
func (s *Service) collectZipEntries(ctx context.Context, userID string, sources []*index.FileEntry) ([]storage.ZipEntry, error) {
	seen := make(map[string]bool)
	var entries []storage.ZipEntry

	// claim reserves a top-level arc-name, numbering it when already taken:
	// "a.txt" becomes "a (1).txt", "docs" becomes "docs (1)".
	claim := func(name string, isDir bool) string {
		if !seen[name] {
			seen[name] = true
			return name
		}
		base, ext := name, ""
		if !isDir {
			if i := strings.LastIndexByte(name, '.'); i > 0 {
				base, ext = name[:i], name[i:]
			}
		}
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
			if !seen[candidate] {
				seen[candidate] = true
				return candidate
			}
		}
	}

	for _, src := range sources {
		if !src.IsDir {
			entries = append(entries, storage.ZipEntry{ArcName: claim(src.Name, false), Path: src.StoragePath})
			continue
		}
		root := claim(src.Name, true)
		entries = append(entries, storage.ZipEntry{ArcName: root, IsDir: true})
		descendants, err := s.store.ListDescendantsByPrefix(ctx, userID, src.StoragePath, false)
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			rel := strings.TrimPrefix(d.StoragePath, src.StoragePath+"/")
			entries = append(entries, storage.ZipEntry{ArcName: root + "/" + rel, Path: d.StoragePath, IsDir: d.IsDir})
		}
	}
	return entries, nil
}

// loadSources fetches and validates the archive sources, enforcing that all
// of them live on one backend under one parent directory.
func (s *Service) loadSources(ctx context.Context, userID string, ids []string) ([]*index.FileEntry, string, error) {
	sources := make([]*index.FileEntry, 0, len(ids))
	storageID := ""
	var parentID *string
	for _, id := range ids {
		e, err := s.store.GetEntry(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if e.UserID != userID || e.IsDeleted {
			return nil, "", index.ErrEntryNotFound
		}
		if storageID == "" {
			storageID = e.StorageID
			parentID = e.ParentID
		} else {
			if e.StorageID != storageID {
				return nil, "", ErrMixedStorage
			}
			if !sameParent(e.ParentID, parentID) {
				return nil, "", ErrMixedParents
			}
		}
		sources = append(sources, e)
	}
	return sources, storageID, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Service) resolveParent(ctx context.Context, userID string, parentID *string) (*index.FileEntry, string, error) {
	if parentID == nil {
		return nil, "", nil
	}
	parent, err := s.store.GetEntry(ctx, *parentID)
	if err != nil {
		return nil, "", err
	}
	if parent.UserID != userID || parent.IsDeleted || !parent.IsDir {
		return nil, "", index.ErrEntryNotFound
	}
	return parent, parent.StoragePath, nil
}

func (s *Service) archiveBackend(storageID string) (storage.Backend, storage.ArchiveCapable, error) {
	backend, err := s.registry.Get(storageID)
	if err != nil {
		return nil, nil, err
	}
	arc, ok := backend.(storage.ArchiveCapable)
	if !ok {
		return nil, nil, fmt.Errorf("%w: storage %q has no archive support", storage.ErrNotSupported, storageID)
	}
	return backend, arc, nil
}
