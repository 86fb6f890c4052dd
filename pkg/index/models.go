// Package index is the database of record for the logical file tree.
//
// Every file and directory a user sees is one FileEntry row. The index is the
// sole source of truth for existence, size and deletion state; the physical
// backend only ever holds what the index says it holds, outside of a single
// in-flight mutation.
package index

import (
	"time"
)

// FileEntry represents one logical file or directory.
//
// StoragePath is always the concatenation of the parent's storage path and the
// entry's own name (or the trash-namespace path while soft-deleted). The
// mutation engine re-derives it, and cascades the rewrite to all descendants,
// on every move, rename, delete and restore.
type FileEntry struct {
	ID       string  `gorm:"primaryKey;size:36" json:"id"`
	UserID   string  `gorm:"not null;size:36;index:idx_sibling,priority:1" json:"user_id"`
	ParentID *string `gorm:"size:36;index:idx_sibling,priority:2" json:"parent_id,omitempty"`
	Name     string  `gorm:"not null;size:255;index:idx_sibling,priority:3" json:"name"`
	IsDir    bool    `gorm:"not null" json:"is_dir"`

	// Content metadata, files only.
	Size        int64  `gorm:"not null;default:0" json:"size"`
	MimeType    string `gorm:"size:255" json:"mime_type,omitempty"`
	ContentHash string `gorm:"size:64" json:"content_hash,omitempty"`

	// Storage binding.
	StorageID       string `gorm:"not null;size:64" json:"storage_id"`
	StoragePath     string `gorm:"not null;size:4096" json:"storage_path"`
	StoragePathHash string `gorm:"uniqueIndex;not null;size:40" json:"-"`

	// Lifecycle.
	IsDeleted bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for FileEntry.
func (FileEntry) TableName() string {
	return "file_entries"
}

// IsRoot reports whether the entry sits at the top of the user's tree.
func (e *FileEntry) IsRoot() bool {
	return e.ParentID == nil
}

// UserQuota tracks committed storage usage per user.
//
// UsedSpace is a denormalized counter: RefreshUsedSpace recomputes it as the
// sum of non-deleted file sizes and is its only writer. The row is locked
// while the quota ledger computes remaining space.
type UserQuota struct {
	UserID     string    `gorm:"primaryKey;size:36" json:"user_id"`
	TotalSpace int64     `gorm:"not null" json:"total_space"`
	UsedSpace  int64     `gorm:"not null;default:0" json:"used_space"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for UserQuota.
func (UserQuota) TableName() string {
	return "user_quotas"
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&FileEntry{},
		&UserQuota{},
	}
}
