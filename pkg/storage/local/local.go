// Package local provides the filesystem-backed storage backend.
//
// All paths handed to the backend are backend-relative; resolveAbs sandboxes
// them under the configured root and fails closed on any escape.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cumulusfs/cumulus/pkg/storage"
)

// Backend is the local-disk implementation of storage.Backend.
// It also implements storage.UploadCapable and storage.ArchiveCapable.
type Backend struct {
	id   string
	root string

	dirMode  os.FileMode
	fileMode os.FileMode
}

// Config holds configuration for a local backend.
type Config struct {
	// ID is the storage identifier referenced by FileEntry.StorageID.
	ID string

	// Root is the absolute directory all paths resolve under.
	Root string

	// DirMode is the permission mode for created directories. Default 0755.
	DirMode os.FileMode

	// FileMode is the permission mode for created files. Default 0644.
	FileMode os.FileMode
}

// New creates a local backend rooted at cfg.Root, creating the root if needed.
func New(cfg Config) (*Backend, error) {
	if cfg.ID == "" {
		return nil, errors.New("storage id is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("root path is required")
	}
	if !filepath.IsAbs(cfg.Root) {
		return nil, fmt.Errorf("root path %q is not absolute", cfg.Root)
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}

	if err := os.MkdirAll(cfg.Root, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %q is not a directory", cfg.Root)
	}

	return &Backend{
		id:       cfg.ID,
		root:     filepath.Clean(cfg.Root),
		dirMode:  cfg.DirMode,
		fileMode: cfg.FileMode,
	}, nil
}

// ID returns the configured storage identifier.
func (b *Backend) ID() string { return b.id }

// Root returns the backend root directory.
func (b *Backend) Root() string { return b.root }

// resolveAbs maps a backend-relative path to an absolute path under the root.
// Any path that cleans to a location outside the root fails closed.
func (b *Backend) resolveAbs(rel string) (string, error) {
	if strings.ContainsRune(rel, '\x00') {
		return "", storage.ErrPathEscapes
	}
	abs := filepath.Join(b.root, filepath.FromSlash(rel))
	if abs != b.root && !strings.HasPrefix(abs, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", storage.ErrPathEscapes, rel)
	}
	return abs, nil
}

// EnsureDir creates the directory and any missing parents.
func (b *Backend) EnsureDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := b.resolveAbs(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, b.dirMode)
}

// Move relocates src to dst. The destination's parent is created on demand;
// an occupied destination fails with ErrAlreadyExists so callers never
// silently clobber content.
func (b *Backend) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	absSrc, err := b.resolveAbs(src)
	if err != nil {
		return err
	}
	absDst, err := b.resolveAbs(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absSrc); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
		}
		return err
	}
	if _, err := os.Stat(absDst); err == nil {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, dst)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), b.dirMode); err != nil {
		return err
	}
	return os.Rename(absSrc, absDst)
}

// CopyFile duplicates a regular file's bytes from src to dst.
func (b *Backend) CopyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	absSrc, err := b.resolveAbs(src)
	if err != nil {
		return err
	}
	in, err := os.Open(absSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
		}
		return err
	}
	defer in.Close()

	_, _, err = b.WriteStream(ctx, dst, in)
	return err
}

// Delete removes the path. Non-empty directories require recursive.
func (b *Backend) Delete(ctx context.Context, path string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := b.resolveAbs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return err
	}
	if recursive {
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

// Stat returns metadata for the path.
func (b *Backend) Stat(ctx context.Context, path string) (storage.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.FileInfo{}, err
	}
	abs, err := b.resolveAbs(path)
	if err != nil {
		return storage.FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.FileInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return storage.FileInfo{}, err
	}
	return storage.FileInfo{
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

// Open returns a reader over a regular file's content.
func (b *Backend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := b.resolveAbs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, err
	}
	return f, nil
}

// WriteStream writes r to path via temp file, fsync and atomic rename.
// The SHA-256 digest is computed while streaming; there is no second read pass.
func (b *Backend) WriteStream(ctx context.Context, path string, r io.Reader) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	abs, err := b.resolveAbs(path)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), b.dirMode); err != nil {
		return 0, "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".write-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		cleanup()
		return 0, "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, "", err
	}
	if err := os.Chmod(tmpName, b.fileMode); err != nil {
		os.Remove(tmpName)
		return 0, "", err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashFile streams the file through SHA-256 and returns the hex digest.
func (b *Backend) HashFile(ctx context.Context, path string) (string, error) {
	f, err := b.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

var (
	_ storage.Backend        = (*Backend)(nil)
	_ storage.UploadCapable  = (*Backend)(nil)
	_ storage.ArchiveCapable = (*Backend)(nil)
)
