package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/kv"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
	"github.com/cumulusfs/cumulus/pkg/storage/local"
)

type testEnv struct {
	service *Service
	backend *local.Backend
	second  *local.Backend
	store   *index.Store
	ledger  *quota.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend, err := local.New(local.Config{ID: "local", Root: t.TempDir()})
	require.NoError(t, err)
	second, err := local.New(local.Config{ID: "cold", Root: t.TempDir()})
	require.NoError(t, err)

	registry := storage.NewRegistry()
	require.NoError(t, registry.Register(backend))
	require.NoError(t, registry.Register(second))

	store, err := index.New(&index.Config{
		Type:              index.DatabaseTypeSQLite,
		SQLite:            index.SQLiteConfig{Path: ":memory:"},
		DefaultTotalSpace: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := quota.NewLedger(store, kv.NewMemoryStore(), nil)
	service := NewService(registry, store, ledger, nil, nil)

	return &testEnv{service: service, backend: backend, second: second, store: store, ledger: ledger}
}

func (e *testEnv) addEntry(t *testing.T, b *local.Backend, userID string, parent *index.FileEntry, name string, isDir bool, content string) *index.FileEntry {
	t.Helper()
	ctx := context.Background()
	var parentID *string
	parentPath := ""
	if parent != nil {
		parentID = &parent.ID
		parentPath = parent.StoragePath
	}
	path := storage.BuildStoragePath(userID, parentPath, name)

	entry := &index.FileEntry{
		ID:              uuid.New().String(),
		UserID:          userID,
		ParentID:        parentID,
		Name:            name,
		IsDir:           isDir,
		StorageID:       b.ID(),
		StoragePath:     path,
		StoragePathHash: storage.PathHash(path),
	}
	if isDir {
		require.NoError(t, b.EnsureDir(ctx, path))
	} else {
		size, digest, err := b.WriteStream(ctx, path, strings.NewReader(content))
		require.NoError(t, err)
		entry.Size = size
		entry.ContentHash = digest
	}
	require.NoError(t, e.store.CreateEntry(ctx, entry))
	return entry
}

func (e *testEnv) addDir(t *testing.T, userID string, parent *index.FileEntry, name string) *index.FileEntry {
	return e.addEntry(t, e.backend, userID, parent, name, true, "")
}

func (e *testEnv) addFile(t *testing.T, userID string, parent *index.FileEntry, name, content string) *index.FileEntry {
	return e.addEntry(t, e.backend, userID, parent, name, false, content)
}

func TestCompressAndExtractRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	docs := e.addDir(t, "u1", nil, "docs")
	sub := e.addDir(t, "u1", docs, "sub")
	e.addFile(t, "u1", docs, "a.txt", "alpha")
	e.addFile(t, "u1", sub, "b.txt", "beta")
	loose := e.addFile(t, "u1", nil, "loose.txt", "loose")

	archive, err := e.service.Compress(ctx, "u1", CompressRequest{
		EntryIDs: []string{docs.ID, loose.ID},
		Name:     "backup",
	})
	require.NoError(t, err)
	assert.Equal(t, "backup.zip", archive.Name) // suffix appended
	assert.Equal(t, "application/zip", archive.MimeType)
	assert.Greater(t, archive.Size, int64(0))
	assert.NotEmpty(t, archive.ContentHash)

	// The archive counts against committed usage.
	usage, err := e.ledger.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usage.UsedSpace, archive.Size)

	extracted, err := e.service.Extract(ctx, "u1", ExtractRequest{EntryID: archive.ID, DirName: "restored"})
	require.NoError(t, err)
	assert.True(t, extracted.IsDir)
	assert.Equal(t, "u1/restored", extracted.StoragePath)

	// The extracted tree is fully indexed.
	children, err := e.store.ListChildren(ctx, "u1", &extracted.ID)
	require.NoError(t, err)
	require.Len(t, children, 2) // docs/, loose.txt

	gotDocs, err := e.store.GetChildByName(ctx, "u1", &extracted.ID, "docs")
	require.NoError(t, err)
	assert.True(t, gotDocs.IsDir)
	gotA, err := e.store.GetChildByName(ctx, "u1", &gotDocs.ID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), gotA.Size)
	assert.NotEmpty(t, gotA.ContentHash)

	// The bytes round-tripped.
	rc, err := e.backend.Open(ctx, "u1/restored/docs/sub/b.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))
}

func TestCompressValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.service.Compress(ctx, "u1", CompressRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrNothingToArchive)

	file := e.addFile(t, "u1", nil, "a.txt", "a")
	e.addFile(t, "u1", nil, "taken.zip", "occupied")

	_, err = e.service.Compress(ctx, "u1", CompressRequest{EntryIDs: []string{file.ID}, Name: "taken.zip"})
	assert.ErrorIs(t, err, ErrNameConflict)

	_, err = e.service.Compress(ctx, "u1", CompressRequest{EntryIDs: []string{"missing"}, Name: "x"})
	assert.ErrorIs(t, err, index.ErrEntryNotFound)

	// Another user's entries are invisible.
	theirs := e.addFile(t, "u2", nil, "theirs.txt", "t")
	_, err = e.service.Compress(ctx, "u1", CompressRequest{EntryIDs: []string{theirs.ID}, Name: "x"})
	assert.ErrorIs(t, err, index.ErrEntryNotFound)
}

func TestCompressMixedStorage(t *testing.T) {
	e := newTestEnv(t)

	a := e.addFile(t, "u1", nil, "a.txt", "a")
	b := e.addEntry(t, e.second, "u1", nil, "b.txt", false, "b")

	_, err := e.service.Compress(context.Background(), "u1", CompressRequest{
		EntryIDs: []string{a.ID, b.ID},
		Name:     "mixed",
	})
	assert.ErrorIs(t, err, ErrMixedStorage)
}

func TestCompressMixedParents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	docs := e.addDir(t, "u1", nil, "docs")
	nested := e.addFile(t, "u1", docs, "a.txt", "a")
	loose := e.addFile(t, "u1", nil, "b.txt", "b")

	_, err := e.service.Compress(ctx, "u1", CompressRequest{
		EntryIDs: []string{nested.ID, loose.ID},
		Name:     "mixed",
	})
	assert.ErrorIs(t, err, ErrMixedParents)

	// Siblings under the same directory are fine.
	other := e.addFile(t, "u1", docs, "c.txt", "c")
	_, err = e.service.Compress(ctx, "u1", CompressRequest{
		EntryIDs: []string{nested.ID, other.ID},
		ParentID: &docs.ID,
		Name:     "pair",
	})
	require.NoError(t, err)
}

func TestCompressDuplicateArcNames(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	file := e.addFile(t, "u1", nil, "a.txt", "a")
	archive, err := e.service.Compress(ctx, "u1", CompressRequest{
		EntryIDs: []string{file.ID, file.ID},
		Name:     "dup",
	})
	require.NoError(t, err)

	// The second occurrence gets a numbered arc-name before the extension.
	rc, err := e.backend.Open(ctx, archive.StoragePath)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "a (1).txt"}, names)
}

func TestExtractValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	plain := e.addFile(t, "u1", nil, "notes.txt", "n")
	_, err := e.service.Extract(ctx, "u1", ExtractRequest{EntryID: plain.ID})
	assert.ErrorIs(t, err, ErrNotArchive)

	file := e.addFile(t, "u1", nil, "a.txt", "a")
	archive, err := e.service.Compress(ctx, "u1", CompressRequest{EntryIDs: []string{file.ID}, Name: "arch"})
	require.NoError(t, err)

	// Default dir name derives from the archive; that name is occupied.
	e.addDir(t, "u1", nil, "arch")
	_, err = e.service.Extract(ctx, "u1", ExtractRequest{EntryID: archive.ID})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestExtractIntoParent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	file := e.addFile(t, "u1", nil, "a.txt", "a")
	dst := e.addDir(t, "u1", nil, "unpacked")

	archive, err := e.service.Compress(ctx, "u1", CompressRequest{EntryIDs: []string{file.ID}, Name: "arch"})
	require.NoError(t, err)

	extracted, err := e.service.Extract(ctx, "u1", ExtractRequest{
		EntryID: archive.ID, ParentID: &dst.ID, DirName: "out",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1/unpacked/out", extracted.StoragePath)
	require.NotNil(t, extracted.ParentID)
	assert.Equal(t, dst.ID, *extracted.ParentID)
}

func TestStreamZip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	docs := e.addDir(t, "u1", nil, "docs")
	e.addFile(t, "u1", docs, "a.txt", "alpha")

	var buf bytes.Buffer
	require.NoError(t, e.service.StreamZip(ctx, &buf, "u1", []string{docs.ID}))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2) // docs/, docs/a.txt

	var content string
	for _, f := range zr.File {
		if f.Name != "docs/a.txt" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		content = string(data)
	}
	assert.Equal(t, "alpha", content)

	// Streaming leaves no artifact in storage or the index.
	usage, err := e.ledger.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedSpace)
}
