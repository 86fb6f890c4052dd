package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cumulusfs/cumulus/pkg/storage"
)

// Upload sessions are plain directories under <root>/.uploads/<uploadID>:
//
//	.uploads/<id>/parts/part_000001   chunk files, fixed-width names
//	.uploads/<id>/.owner              initiating user ID
//	.uploads/<id>/.lock               finalize in progress
//	.uploads/<id>/.done               finalized
//
// The session state machine is fully recoverable from these probes; nothing
// about a session is stored anywhere else.
const (
	uploadsDir  = ".uploads"
	partsDir    = "parts"
	ownerMarker = ".owner"
	lockMarker  = ".lock"
	doneMarker  = ".done"
	partPrefix  = "part_"
)

func (b *Backend) sessionDir(uploadID string) (string, error) {
	// Upload IDs are generated internally, but fail closed anyway.
	if uploadID == "" || strings.ContainsAny(uploadID, "/\\\x00") {
		return "", storage.ErrSessionNotFound
	}
	return filepath.Join(b.root, uploadsDir, uploadID), nil
}

func partName(part int) string {
	return fmt.Sprintf("%s%06d", partPrefix, part)
}

// InitSession creates the session directory skeleton and records the owner.
func (b *Backend) InitSession(ctx context.Context, uploadID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, partsDir), b.dirMode); err != nil {
		return err
	}
	if owner == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(dir, ownerMarker), []byte(owner), b.fileMode)
}

// WritePart stores one chunk via temp-file-then-atomic-rename.
//
// Re-writing an existing part is accepted as an idempotent retry when the
// size matches and rejected with ErrPartConflict otherwise. The session
// directory mtime is touched on success; GC uses it as the liveness signal.
func (b *Backend) WritePart(ctx context.Context, uploadID string, part int, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrSessionNotFound
		}
		return 0, err
	}
	if _, err := os.Stat(filepath.Join(dir, doneMarker)); err == nil {
		return 0, storage.ErrSessionDone
	}
	if _, err := os.Stat(filepath.Join(dir, lockMarker)); err == nil {
		return 0, storage.ErrSessionLocked
	}

	target := filepath.Join(dir, partsDir, partName(part))

	tmp, err := os.CreateTemp(filepath.Join(dir, partsDir), ".part-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}

	if existing, err := os.Stat(target); err == nil {
		os.Remove(tmpName)
		if existing.Size() != n {
			return 0, storage.ErrPartConflict
		}
		b.touchSession(dir)
		return n, nil
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	b.touchSession(dir)
	return n, nil
}

// touchSession bumps the session directory mtime. Best effort: a failed touch
// only shortens the effective GC deadline.
func (b *Backend) touchSession(dir string) {
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
}

// ProbeSession derives the full session state from directory contents.
func (b *Backend) ProbeSession(ctx context.Context, uploadID string) (storage.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionInfo{}, err
	}
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return storage.SessionInfo{}, err
	}

	info := storage.SessionInfo{ID: uploadID, Parts: make(map[int]int64)}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			info.State = storage.SessionMissing
			return info, nil
		}
		return storage.SessionInfo{}, err
	}
	info.ModTime = dirInfo.ModTime()
	if data, err := os.ReadFile(filepath.Join(dir, ownerMarker)); err == nil {
		info.Owner = strings.TrimSpace(string(data))
	}

	entries, err := os.ReadDir(filepath.Join(dir, partsDir))
	if err != nil && !os.IsNotExist(err) {
		return storage.SessionInfo{}, err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, partPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, partPrefix))
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info.Parts[n] = fi.Size()
	}

	if _, err := os.Stat(filepath.Join(dir, doneMarker)); err == nil {
		info.State = storage.SessionDone
		return info, nil
	}
	if lockInfo, err := os.Stat(filepath.Join(dir, lockMarker)); err == nil {
		info.State = storage.SessionFinalizing
		info.LockTime = lockInfo.ModTime()
		return info, nil
	}
	info.State = storage.SessionUploading
	return info, nil
}

// LockSession acquires the finalize lock via atomic O_EXCL create.
func (b *Backend) LockSession(ctx context.Context, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrSessionNotFound
		}
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, lockMarker), os.O_CREATE|os.O_EXCL|os.O_WRONLY, b.fileMode)
	if err != nil {
		if os.IsExist(err) {
			return storage.ErrSessionLocked
		}
		return err
	}
	return f.Close()
}

// UnlockSession releases the finalize lock.
func (b *Backend) UnlockSession(ctx context.Context, uploadID string) error {
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, lockMarker)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MarkSessionDone records successful finalization.
func (b *Backend) MarkSessionDone(ctx context.Context, uploadID string) error {
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, doneMarker), os.O_CREATE|os.O_WRONLY, b.fileMode)
	if err != nil {
		return err
	}
	return f.Close()
}

// MergeParts streams parts 1..totalParts in strict ascending order into dst,
// computing the content digest in the same pass. The merge goes through a
// temp file with fsync and atomic rename so a crash never leaves a partial
// destination visible.
func (b *Backend) MergeParts(ctx context.Context, uploadID string, totalParts int, dst string) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return 0, "", err
	}
	absDst, err := b.resolveAbs(dst)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), b.dirMode); err != nil {
		return 0, "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(absDst), ".merge-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	hasher := sha256.New()
	out := io.MultiWriter(tmp, hasher)
	var total int64
	for part := 1; part <= totalParts; part++ {
		if err := ctx.Err(); err != nil {
			cleanup()
			return 0, "", err
		}
		src, err := os.Open(filepath.Join(dir, partsDir, partName(part)))
		if err != nil {
			cleanup()
			return 0, "", fmt.Errorf("part %d: %w", part, err)
		}
		n, err := io.Copy(out, src)
		src.Close()
		if err != nil {
			cleanup()
			return 0, "", fmt.Errorf("part %d: %w", part, err)
		}
		total += n
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
	if err := os.Rename(tmpName, absDst); err != nil {
		os.Remove(tmpName)
		return 0, "", err
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

// RemoveSession deletes the session directory and everything in it.
func (b *Backend) RemoveSession(ctx context.Context, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := b.sessionDir(uploadID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ListSessions enumerates session IDs present under the uploads namespace.
func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(b.root, uploadsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
