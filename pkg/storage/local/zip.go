package local

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cumulusfs/cumulus/pkg/storage"
)

// CreateZip builds a zip archive at dst from the given entries.
// Entries are written in the order given; the caller is responsible for
// deterministic, collision-free arc-names. The partial archive is removed
// on any failure.
func (b *Backend) CreateZip(ctx context.Context, dst string, entries []storage.ZipEntry) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	absDst, err := b.resolveAbs(dst)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), b.dirMode); err != nil {
		return 0, "", err
	}

	out, err := os.OpenFile(absDst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, b.fileMode)
	if err != nil {
		if os.IsExist(err) {
			return 0, "", fmt.Errorf("%w: %s", storage.ErrAlreadyExists, dst)
		}
		return 0, "", err
	}

	fail := func(err error) (int64, string, error) {
		out.Close()
		os.Remove(absDst)
		return 0, "", err
	}

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if entry.IsDir {
			if _, err := zw.Create(entry.ArcName + "/"); err != nil {
				return fail(err)
			}
			continue
		}
		w, err := zw.Create(entry.ArcName)
		if err != nil {
			return fail(err)
		}
		src, err := b.Open(ctx, entry.Path)
		if err != nil {
			return fail(err)
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			return fail(err)
		}
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(absDst)
		return 0, "", err
	}

	info, err := os.Stat(absDst)
	if err != nil {
		os.Remove(absDst)
		return 0, "", err
	}
	digest, err := b.HashFile(ctx, dst)
	if err != nil {
		os.Remove(absDst)
		return 0, "", err
	}
	return info.Size(), digest, nil
}

// ExtractZip unpacks the archive at src under dstDir.
//
// Traversal safety: entries with absolute names or ".." components are
// rejected, as are entries whose resolved path collides with an existing
// one. Partially extracted trees are left for the caller to remove; the
// caller owns the destination directory lifecycle.
func (b *Backend) ExtractZip(ctx context.Context, src, dstDir string) ([]storage.ExtractedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	absSrc, err := b.resolveAbs(src)
	if err != nil {
		return nil, err
	}
	absDst, err := b.resolveAbs(dstDir)
	if err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(absSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, src)
		}
		return nil, err
	}
	defer zr.Close()

	var items []storage.ExtractedItem
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		name := filepath.ToSlash(f.Name)
		if err := checkArcName(name); err != nil {
			return items, err
		}
		rel := strings.TrimSuffix(name, "/")
		target := filepath.Join(absDst, filepath.FromSlash(rel))
		if target != absDst && !strings.HasPrefix(target, absDst+string(filepath.Separator)) {
			return items, fmt.Errorf("%w: zip entry %q", storage.ErrPathEscapes, f.Name)
		}

		isDir := strings.HasSuffix(name, "/") || f.FileInfo().IsDir()
		if isDir {
			if err := os.MkdirAll(target, b.dirMode); err != nil {
				return items, err
			}
			items = append(items, storage.ExtractedItem{RelPath: rel, IsDir: true})
			continue
		}

		if _, err := os.Stat(target); err == nil {
			return items, fmt.Errorf("%w: zip entry %q", storage.ErrAlreadyExists, f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), b.dirMode); err != nil {
			return items, err
		}

		size, digest, err := b.extractOne(f, target)
		if err != nil {
			return items, err
		}
		items = append(items, storage.ExtractedItem{RelPath: rel, Size: size, Digest: digest})
	}
	return items, nil
}

func (b *Backend) extractOne(f *zip.File, target string) (int64, string, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, "", err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, b.fileMode)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hasher), rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// checkArcName rejects archive entry names that could escape the destination.
func checkArcName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: zip entry %q", storage.ErrPathEscapes, name)
	}
	for _, part := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
		if part == ".." {
			return fmt.Errorf("%w: zip entry %q", storage.ErrPathEscapes, name)
		}
	}
	return nil
}
