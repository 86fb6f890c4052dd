package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Path construction is the only place storage paths are ever derived.
// Paths are always built from trusted components (user ID, parent entry's
// stored path, validated name), never from user-supplied path strings, so
// traversal is impossible by construction.

// MaxNameLength is the maximum byte length of a single path component.
const MaxNameLength = 255

// trashDir is the reserved top-level namespace for soft-deleted subtrees.
// EnsureName rejects names starting with "." so live entries can never
// collide with it.
const trashDir = ".trash"

var (
	// ErrInvalidName indicates a name that cannot be used as a path component.
	ErrInvalidName = errors.New("invalid name")
)

// EnsureName validates a single path component.
// It rejects empty names, path separators, relative components, NUL bytes,
// leading dots (reserved for internal namespaces) and over-long names.
func EnsureName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidName, MaxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: name contains path separator or NUL", ErrInvalidName)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: leading dot is reserved", ErrInvalidName)
	}
	return nil
}

// BuildStoragePath derives the backend-relative path for an entry.
// Root-level entries live under the owning user's directory; everything else
// is the parent's storage path plus the entry name.
func BuildStoragePath(userID, parentPath, name string) string {
	if parentPath == "" {
		return userID + "/" + name
	}
	return parentPath + "/" + name
}

// BuildTrashPath derives the storage path of a soft-deleted subtree root.
// The <timeToken>_<id> directory component makes trash entries unique among
// themselves and disjoint from any live path.
func BuildTrashPath(userID, id, name, timeToken string) string {
	return trashDir + "/" + userID + "/" + timeToken + "_" + id + "/" + name
}

// TrashPrefix returns the trash namespace root for a user.
func TrashPrefix(userID string) string {
	return trashDir + "/" + userID
}

// IsTrashPath reports whether p lies inside the trash namespace.
func IsTrashPath(p string) bool {
	return p == trashDir || strings.HasPrefix(p, trashDir+"/")
}

// PathHash returns the fixed-width digest used as the storage_path index key.
// SHA-1 is used as a collision-resistant index key, not for content integrity.
func PathHash(p string) string {
	sum := sha1.Sum([]byte(p))
	return hex.EncodeToString(sum[:])
}
