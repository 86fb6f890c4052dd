package index

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ============================================
// FILE ENTRY OPERATIONS
// ============================================

// CreateEntry inserts a new file entry. A storage-path collision maps to
// ErrDuplicateEntry; sibling-name uniqueness is checked by callers inside the
// same transaction (see Tx.GetChildByName) because the storage path hash is
// the physical backstop for both.
func (s *Store) CreateEntry(ctx context.Context, entry *FileEntry) error {
	return createEntry(s.db.WithContext(ctx), entry)
}

func createEntry(db *gorm.DB, entry *FileEntry) error {
	if err := db.Create(entry).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateEntry
		}
		return err
	}
	return nil
}

// GetEntry returns the entry with the given ID, deleted or not.
func (s *Store) GetEntry(ctx context.Context, id string) (*FileEntry, error) {
	return getEntry(s.db.WithContext(ctx), id)
}

func getEntry(db *gorm.DB, id string) (*FileEntry, error) {
	var entry FileEntry
	if err := db.Where("id = ?", id).First(&entry).Error; err != nil {
		return nil, convertNotFoundError(err, ErrEntryNotFound)
	}
	return &entry, nil
}

// GetChildByName returns the non-deleted child of parentID with the given
// name. parentID nil addresses the user's root level.
func (s *Store) GetChildByName(ctx context.Context, userID string, parentID *string, name string) (*FileEntry, error) {
	return getChildByName(s.db.WithContext(ctx), userID, parentID, name)
}

func getChildByName(db *gorm.DB, userID string, parentID *string, name string) (*FileEntry, error) {
	var entry FileEntry
	q := db.Where("user_id = ? AND name = ? AND is_deleted = ?", userID, name, false)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	if err := q.First(&entry).Error; err != nil {
		return nil, convertNotFoundError(err, ErrEntryNotFound)
	}
	return &entry, nil
}

// ListChildren returns the non-deleted children of parentID, name-ordered.
func (s *Store) ListChildren(ctx context.Context, userID string, parentID *string) ([]*FileEntry, error) {
	var entries []*FileEntry
	q := s.db.WithContext(ctx).Where("user_id = ? AND is_deleted = ?", userID, false)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}
	if err := q.Order("is_dir DESC, name ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListDescendantsByPrefix returns every entry whose storage path lies under
// prefix (prefix itself excluded), path-ordered so parents precede children.
func (s *Store) ListDescendantsByPrefix(ctx context.Context, userID, prefix string, includeDeleted bool) ([]*FileEntry, error) {
	return listDescendantsByPrefix(s.db.WithContext(ctx), userID, prefix, includeDeleted)
}

func listDescendantsByPrefix(db *gorm.DB, userID, prefix string, includeDeleted bool) ([]*FileEntry, error) {
	var entries []*FileEntry
	q := db.Where(`user_id = ? AND storage_path LIKE ? ESCAPE '\'`, userID, likeEscape(prefix)+"/%")
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	if err := q.Order("storage_path ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// likeEscape escapes LIKE metacharacters in a literal prefix.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// SaveEntry persists the mutable fields of an existing entry.
func (s *Store) SaveEntry(ctx context.Context, entry *FileEntry) error {
	return saveEntry(s.db.WithContext(ctx), entry)
}

func saveEntry(db *gorm.DB, entry *FileEntry) error {
	result := db.Model(&FileEntry{}).
		Where("id = ?", entry.ID).
		Select("ParentID", "Name", "Size", "MimeType", "ContentHash",
			"StoragePath", "StoragePathHash", "IsDeleted", "DeletedAt").
		Updates(entry)
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return ErrDuplicateEntry
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// DeleteEntries removes the rows with the given IDs.
func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&FileEntry{}).Error
}

// SumFileSizes returns the total committed bytes for a user: the sum of
// Size over non-deleted files.
func (s *Store) SumFileSizes(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&FileEntry{}).
		Where("user_id = ? AND is_dir = ? AND is_deleted = ?", userID, false, false).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListTrash returns the roots of soft-deleted subtrees for a user,
// most recently deleted first.
func (s *Store) ListTrash(ctx context.Context, userID, trashPrefix string) ([]*FileEntry, error) {
	var entries []*FileEntry
	err := s.db.WithContext(ctx).
		Where(`user_id = ? AND is_deleted = ? AND storage_path LIKE ? ESCAPE '\'`, userID, true, likeEscape(trashPrefix)+"/%").
		Order("deleted_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	// Keep only subtree roots: paths directly under .trash/<user>/<token>_<id>/.
	depth := strings.Count(trashPrefix, "/") + 2
	roots := entries[:0]
	for _, e := range entries {
		if strings.Count(e.StoragePath, "/") == depth {
			roots = append(roots, e)
		}
	}
	return roots, nil
}

// ============================================
// TRANSACTIONS
// ============================================

// Tx exposes index operations bound to one database transaction. The mutation
// engine groups a subtree's path rewrites and lifecycle flips into a single Tx
// so the DB-of-record changes atomically after the physical move succeeded.
type Tx struct {
	db *gorm.DB
}

// WithTransaction executes fn inside a transaction; fn returning an error
// rolls everything back.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

// CreateEntry inserts an entry within the transaction.
func (t *Tx) CreateEntry(entry *FileEntry) error {
	return createEntry(t.db, entry)
}

// GetEntry fetches an entry within the transaction.
func (t *Tx) GetEntry(id string) (*FileEntry, error) {
	return getEntry(t.db, id)
}

// GetChildByName fetches a non-deleted child within the transaction.
func (t *Tx) GetChildByName(userID string, parentID *string, name string) (*FileEntry, error) {
	return getChildByName(t.db, userID, parentID, name)
}

// SaveEntry persists an entry's mutable fields within the transaction.
func (t *Tx) SaveEntry(entry *FileEntry) error {
	return saveEntry(t.db, entry)
}

// ListDescendantsByPrefix lists descendants within the transaction.
func (t *Tx) ListDescendantsByPrefix(userID, prefix string, includeDeleted bool) ([]*FileEntry, error) {
	return listDescendantsByPrefix(t.db, userID, prefix, includeDeleted)
}

// MarkDeleted flips the lifecycle flags for a set of IDs.
func (t *Tx) MarkDeleted(ids []string, deletedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.Model(&FileEntry{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"is_deleted": true, "deleted_at": deletedAt}).Error
}

// MarkRestored clears the lifecycle flags for a set of IDs.
func (t *Tx) MarkRestored(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.Model(&FileEntry{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"is_deleted": false, "deleted_at": nil}).Error
}

// DeleteEntries removes rows within the transaction.
func (t *Tx) DeleteEntries(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.Where("id IN ?", ids).Delete(&FileEntry{}).Error
}
