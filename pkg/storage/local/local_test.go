package local

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cumulusfs/cumulus/pkg/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{ID: "test", Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func writeFile(t *testing.T, b *Backend, path, content string) {
	t.Helper()
	n, _, err := b.WriteStream(context.Background(), path, strings.NewReader(content))
	if err != nil {
		t.Fatalf("WriteStream(%q) failed: %v", path, err)
	}
	if n != int64(len(content)) {
		t.Fatalf("WriteStream(%q) wrote %d bytes, want %d", path, n, len(content))
	}
}

func readFile(t *testing.T, b *Backend, path string) string {
	t.Helper()
	rc, err := b.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %q failed: %v", path, err)
	}
	return string(data)
}

func TestNewRequiresAbsoluteRoot(t *testing.T) {
	if _, err := New(Config{ID: "x", Root: "relative/path"}); err == nil {
		t.Error("New with relative root should fail")
	}
	if _, err := New(Config{ID: "", Root: t.TempDir()}); err == nil {
		t.Error("New without ID should fail")
	}
}

func TestWriteStreamAndOpen(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	content := "hello cumulus"
	n, digest, err := b.WriteStream(ctx, "u1/hello.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("WriteStream failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("size = %d, want %d", n, len(content))
	}
	sum := sha256.Sum256([]byte(content))
	if digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %s", digest)
	}
	if got := readFile(t, b, "u1/hello.txt"); got != content {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	escapes := []string{"../outside", "a/../../outside", "..", "a/\x00b"}
	for _, path := range escapes {
		if _, _, err := b.WriteStream(ctx, path, strings.NewReader("x")); !errors.Is(err, storage.ErrPathEscapes) {
			t.Errorf("WriteStream(%q) = %v, want ErrPathEscapes", path, err)
		}
		if _, err := b.Open(ctx, path); !errors.Is(err, storage.ErrPathEscapes) {
			t.Errorf("Open(%q) = %v, want ErrPathEscapes", path, err)
		}
	}
}

func TestMove(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	writeFile(t, b, "u1/a.txt", "content")
	if err := b.Move(ctx, "u1/a.txt", "u1/sub/b.txt"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got := readFile(t, b, "u1/sub/b.txt"); got != "content" {
		t.Errorf("moved content = %q", got)
	}
	if _, err := b.Stat(ctx, "u1/a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("source still exists after move: %v", err)
	}
}

func TestMoveRefusesToClobber(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	writeFile(t, b, "u1/a.txt", "a")
	writeFile(t, b, "u1/b.txt", "b")
	if err := b.Move(ctx, "u1/a.txt", "u1/b.txt"); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("Move onto occupied destination = %v, want ErrAlreadyExists", err)
	}
	if err := b.Move(ctx, "u1/missing.txt", "u1/c.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Move of missing source = %v, want ErrNotFound", err)
	}
}

func TestMoveDirectory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	writeFile(t, b, "u1/docs/a.txt", "a")
	writeFile(t, b, "u1/docs/deep/b.txt", "b")
	if err := b.Move(ctx, "u1/docs", "u1/archive"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got := readFile(t, b, "u1/archive/deep/b.txt"); got != "b" {
		t.Errorf("nested content after move = %q", got)
	}
}

func TestDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	writeFile(t, b, "u1/docs/a.txt", "a")
	// Non-recursive delete of a non-empty directory must fail.
	if err := b.Delete(ctx, "u1/docs", false); err == nil {
		t.Error("non-recursive delete of non-empty dir should fail")
	}
	if err := b.Delete(ctx, "u1/docs", true); err != nil {
		t.Fatalf("recursive delete failed: %v", err)
	}
	if _, err := b.Stat(ctx, "u1/docs"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("directory still exists: %v", err)
	}
	if err := b.Delete(ctx, "u1/docs", true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("delete of missing path = %v, want ErrNotFound", err)
	}
}

func TestCopyFile(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	writeFile(t, b, "u1/a.txt", "payload")
	if err := b.CopyFile(ctx, "u1/a.txt", "u1/copy.txt"); err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}
	if got := readFile(t, b, "u1/copy.txt"); got != "payload" {
		t.Errorf("copy content = %q", got)
	}
	if got := readFile(t, b, "u1/a.txt"); got != "payload" {
		t.Errorf("source content = %q", got)
	}
}

func TestHashFile(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("x"), 1024)
	writeFile(t, b, "u1/a.bin", string(content))

	digest, err := b.HashFile(ctx, "u1/a.bin")
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	sum := sha256.Sum256(content)
	if digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %s", digest)
	}
}

func TestEnsureDir(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.EnsureDir(ctx, "u1/a/b/c"); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	info, err := b.Stat(ctx, "u1/a/b/c")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir {
		t.Error("created path is not a directory")
	}
	// Idempotent.
	if err := b.EnsureDir(ctx, "u1/a/b/c"); err != nil {
		t.Errorf("second EnsureDir failed: %v", err)
	}
}

func TestWriteStreamLeavesNoTempFilesOnFailure(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	failing := io.MultiReader(strings.NewReader("partial"), &failingReader{})
	if _, _, err := b.WriteStream(ctx, "u1/broken.txt", failing); err == nil {
		t.Fatal("WriteStream with failing reader should fail")
	}
	entries, err := os.ReadDir(filepath.Join(b.Root(), "u1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		t.Errorf("unexpected leftover file %q", e.Name())
	}
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) { return 0, errors.New("read error") }
