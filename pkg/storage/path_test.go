package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestEnsureName(t *testing.T) {
	valid := []string{"report.pdf", "My Documents", "a", "file (1)", "héllo", strings.Repeat("x", 255)}
	for _, name := range valid {
		if err := EnsureName(name); err != nil {
			t.Errorf("EnsureName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		".",
		"..",
		".hidden",
		".trash",
		"a/b",
		`a\b`,
		"nul\x00byte",
		strings.Repeat("x", 256),
	}
	for _, name := range invalid {
		err := EnsureName(name)
		if err == nil {
			t.Errorf("EnsureName(%q) should fail", name)
			continue
		}
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("EnsureName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestBuildStoragePath(t *testing.T) {
	if got := BuildStoragePath("u1", "", "file.txt"); got != "u1/file.txt" {
		t.Errorf("root path = %q", got)
	}
	if got := BuildStoragePath("u1", "u1/docs", "file.txt"); got != "u1/docs/file.txt" {
		t.Errorf("nested path = %q", got)
	}
}

func TestBuildTrashPath(t *testing.T) {
	got := BuildTrashPath("u1", "abc123", "docs", "20260825T120000")
	want := ".trash/u1/20260825T120000_abc123/docs"
	if got != want {
		t.Errorf("BuildTrashPath = %q, want %q", got, want)
	}
	if !IsTrashPath(got) {
		t.Errorf("IsTrashPath(%q) = false", got)
	}
}

func TestIsTrashPath(t *testing.T) {
	if IsTrashPath("u1/docs/file.txt") {
		t.Error("live path reported as trash")
	}
	if IsTrashPath(".trashy/u1/x") {
		t.Error("prefix-similar path reported as trash")
	}
	if !IsTrashPath(".trash") || !IsTrashPath(".trash/u1") {
		t.Error("trash namespace not recognized")
	}
}

func TestTrashPrefix(t *testing.T) {
	if got := TrashPrefix("u1"); got != ".trash/u1" {
		t.Errorf("TrashPrefix = %q", got)
	}
}

func TestPathHash(t *testing.T) {
	a := PathHash("u1/docs/file.txt")
	b := PathHash("u1/docs/file.txt")
	c := PathHash("u1/docs/other.txt")
	if a != b {
		t.Error("hash is not deterministic")
	}
	if a == c {
		t.Error("different paths produced the same hash")
	}
	if len(a) != 40 {
		t.Errorf("hash length = %d, want 40", len(a))
	}
}
