package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/kv"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
	"github.com/cumulusfs/cumulus/pkg/storage/local"
)

// testSettings is a fixed-value Settings implementation for tests.
type testSettings struct {
	partSize    int64
	maxFileSize int64
	sessionTTL  time.Duration
	doneTTL     time.Duration
	storageID   string
}

func (s *testSettings) PartSize() int64           { return s.partSize }
func (s *testSettings) MaxFileSize() int64        { return s.maxFileSize }
func (s *testSettings) SessionTTL() time.Duration { return s.sessionTTL }
func (s *testSettings) DoneTTL() time.Duration    { return s.doneTTL }
func (s *testSettings) DefaultStorageID() string  { return s.storageID }

type testEnv struct {
	manager  *Manager
	backend  *local.Backend
	store    *index.Store
	ledger   *quota.Ledger
	settings *testSettings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend, err := local.New(local.Config{ID: "local", Root: t.TempDir()})
	require.NoError(t, err)

	registry := storage.NewRegistry()
	require.NoError(t, registry.Register(backend))

	store, err := index.New(&index.Config{
		Type:              index.DatabaseTypeSQLite,
		SQLite:            index.SQLiteConfig{Path: ":memory:"},
		DefaultTotalSpace: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := quota.NewLedger(store, kv.NewMemoryStore(), nil)
	settings := &testSettings{
		partSize:   4,
		sessionTTL: time.Hour,
		doneTTL:    time.Hour,
		storageID:  "local",
	}
	manager := NewManager(registry, store, ledger, settings, NewLimiter(4), nil, nil)

	return &testEnv{
		manager:  manager,
		backend:  backend,
		store:    store,
		ledger:   ledger,
		settings: settings,
	}
}

func (e *testEnv) mkdir(t *testing.T, userID, name string) *index.FileEntry {
	t.Helper()
	path := storage.BuildStoragePath(userID, "", name)
	entry := &index.FileEntry{
		ID:              uuid.New().String(),
		UserID:          userID,
		Name:            name,
		IsDir:           true,
		StorageID:       "local",
		StoragePath:     path,
		StoragePathHash: storage.PathHash(path),
	}
	require.NoError(t, e.store.CreateEntry(context.Background(), entry))
	return entry
}

func (e *testEnv) upload(t *testing.T, userID, name, content string) *index.FileEntry {
	t.Helper()
	ctx := context.Background()

	session, err := e.manager.Init(ctx, userID, InitRequest{Name: name, Size: int64(len(content)), Overwrite: true})
	require.NoError(t, err)

	ps := int(e.settings.partSize)
	for part := 1; part <= session.TotalParts; part++ {
		start := (part - 1) * ps
		end := start + ps
		if end > len(content) {
			end = len(content)
		}
		_, err := e.manager.WritePart(ctx, userID, session.UploadID, part, strings.NewReader(content[start:end]))
		require.NoError(t, err)
	}

	entry, err := e.manager.Finalize(ctx, userID, FinalizeRequest{
		UploadID: session.UploadID, Name: name, Overwrite: true,
	})
	require.NoError(t, err)
	return entry
}

func TestInitAndStatus(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "file.bin", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, session.TotalParts) // 10 bytes at part size 4
	assert.Equal(t, "local", session.StorageID)
	assert.Equal(t, int64(4), session.PartSize)

	st, err := e.manager.Status(ctx, "u1", session.UploadID)
	require.NoError(t, err)
	assert.Equal(t, "uploading", st.State)
	assert.Equal(t, 0, st.Received)
	assert.Equal(t, []int{1, 2, 3}, st.MissingParts)

	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 2, strings.NewReader("bbbb"))
	require.NoError(t, err)

	st, err = e.manager.Status(ctx, "u1", session.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Received)
	assert.Equal(t, []int{1, 3}, st.MissingParts)
	assert.Equal(t, int64(4), st.BytesStored)
}

func TestStatusExpiresIn(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "data.bin", Size: 4})
	require.NoError(t, err)

	st, err := e.manager.Status(ctx, "u1", session.UploadID)
	require.NoError(t, err)
	assert.Greater(t, st.ExpiresIn, int64(3500)) // sessionTTL is 1h
	assert.LessOrEqual(t, st.ExpiresIn, int64(3600))

	// An idle session runs down its deadline.
	ageSession(t, e, session.UploadID, 30*time.Minute)
	st, err = e.manager.Status(ctx, "u1", session.UploadID)
	require.NoError(t, err)
	assert.Greater(t, st.ExpiresIn, int64(1700))
	assert.LessOrEqual(t, st.ExpiresIn, int64(1800))

	// Past the deadline it reports zero, never a negative count.
	ageSession(t, e, session.UploadID, 2*time.Hour)
	st, err = e.manager.Status(ctx, "u1", session.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.ExpiresIn)
}

func TestSessionOwnership(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "data.bin", Size: 4})
	require.NoError(t, err)

	// Another user holding the upload ID sees nothing and changes nothing.
	_, err = e.manager.Status(ctx, "u2", session.UploadID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = e.manager.WritePart(ctx, "u2", session.UploadID, 1, strings.NewReader("data"))
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = e.manager.Finalize(ctx, "u2", FinalizeRequest{UploadID: session.UploadID, Name: "data.bin"})
	assert.ErrorIs(t, err, ErrUploadNotFound)
	assert.ErrorIs(t, e.manager.Cancel(ctx, "u2", session.UploadID), ErrUploadNotFound)

	// The owner is unaffected.
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("data"))
	require.NoError(t, err)
	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "data.bin"})
	require.NoError(t, err)
}

func TestInitValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.manager.Init(ctx, "u1", InitRequest{Name: "../evil", Size: 1})
	assert.Error(t, err)

	_, err = e.manager.Init(ctx, "u1", InitRequest{Name: "file.bin", Size: -1})
	assert.Error(t, err)

	_, err = e.manager.Init(ctx, "u1", InitRequest{Name: "file.bin", Size: 1, StorageID: "nope"})
	assert.ErrorIs(t, err, storage.ErrUnknownStorage)
}

func TestInitQuotaExceeded(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.manager.Init(context.Background(), "u1", InitRequest{Name: "huge.bin", Size: 2 << 20})
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
}

func TestInitFileTooLarge(t *testing.T) {
	e := newTestEnv(t)
	e.settings.maxFileSize = 8

	_, err := e.manager.Init(context.Background(), "u1", InitRequest{Name: "big.bin", Size: 9})
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestInitNameConflict(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.upload(t, "u1", "file.bin", "data")
	e.mkdir(t, "u1", "docs")

	_, err := e.manager.Init(ctx, "u1", InitRequest{Name: "file.bin", Size: 4})
	assert.ErrorIs(t, err, ErrNameConflict)

	// Overwrite permits replacing a file, never a directory.
	_, err = e.manager.Init(ctx, "u1", InitRequest{Name: "file.bin", Size: 4, Overwrite: true})
	assert.NoError(t, err)
	_, err = e.manager.Init(ctx, "u1", InitRequest{Name: "docs", Size: 4, Overwrite: true})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestInitParentValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	file := e.upload(t, "u1", "file.bin", "data")

	_, err := e.manager.Init(ctx, "u1", InitRequest{Name: "x.bin", Size: 1, ParentID: &file.ID})
	assert.ErrorIs(t, err, ErrNotDirectory)

	missing := "no-such-id"
	_, err = e.manager.Init(ctx, "u1", InitRequest{Name: "x.bin", Size: 1, ParentID: &missing})
	assert.ErrorIs(t, err, index.ErrEntryNotFound)

	// Another user's directory is invisible.
	dir := e.mkdir(t, "u2", "theirs")
	_, err = e.manager.Init(ctx, "u1", InitRequest{Name: "x.bin", Size: 1, ParentID: &dir.ID})
	assert.ErrorIs(t, err, index.ErrEntryNotFound)
}

func TestUploadRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	content := "0123456789" // 3 parts at size 4
	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "data.bin", Size: int64(len(content))})
	require.NoError(t, err)

	// Parts arrive out of order.
	for _, part := range []int{3, 1, 2} {
		start := (part - 1) * 4
		end := start + 4
		if end > len(content) {
			end = len(content)
		}
		n, err := e.manager.WritePart(ctx, "u1", session.UploadID, part, strings.NewReader(content[start:end]))
		require.NoError(t, err)
		assert.Equal(t, int64(end-start), n)
	}

	entry, err := e.manager.Finalize(ctx, "u1", FinalizeRequest{
		UploadID: session.UploadID, Name: "data.bin", MimeType: "application/octet-stream",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), entry.Size)
	assert.Equal(t, "u1/data.bin", entry.StoragePath)
	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), entry.ContentHash)

	// The merged file is readable from storage.
	rc, err := e.backend.Open(ctx, entry.StoragePath)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	// The reservation is gone and committed usage reflects the file.
	usage, err := e.ledger.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Reserved)
	assert.Equal(t, int64(len(content)), usage.UsedSpace)

	// Finalize retry after success returns the committed entry.
	again, err := e.manager.Finalize(ctx, "u1", FinalizeRequest{
		UploadID: session.UploadID, Name: "data.bin",
	})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
}

func TestUploadIntoDirectory(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	dir := e.mkdir(t, "u1", "docs")
	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "a.txt", Size: 2, ParentID: &dir.ID})
	require.NoError(t, err)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("hi"))
	require.NoError(t, err)

	entry, err := e.manager.Finalize(ctx, "u1", FinalizeRequest{
		UploadID: session.UploadID, ParentID: &dir.ID, Name: "a.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1/docs/a.txt", entry.StoragePath)
	require.NotNil(t, entry.ParentID)
	assert.Equal(t, dir.ID, *entry.ParentID)
}

func TestEmptyUpload(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "empty.txt", Size: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, session.TotalParts)

	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader(""))
	require.NoError(t, err)

	entry, err := e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "empty.txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.Size)
}

func TestFinalizeMissingParts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "data.bin", Size: 10})
	require.NoError(t, err)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("aaaa"))
	require.NoError(t, err)

	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "data.bin"})
	assert.ErrorIs(t, err, ErrChunkIncomplete)

	// The failed finalize released the lock; the session is still usable.
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 2, strings.NewReader("bbbb"))
	require.NoError(t, err)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 3, strings.NewReader("cc"))
	require.NoError(t, err)

	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "data.bin"})
	require.NoError(t, err)
}

func TestFinalizeOverwrite(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first := e.upload(t, "u1", "file.bin", "old content!")
	second := e.upload(t, "u1", "file.bin", "new")

	// Overwrite updates the existing entry in place.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(3), second.Size)

	usage, err := e.ledger.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.UsedSpace)
}

func TestFinalizeNameConflict(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.upload(t, "u1", "file.bin", "data")

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "other.bin", Size: 4})
	require.NoError(t, err)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("data"))
	require.NoError(t, err)

	// Finalize targets an occupied name without overwrite.
	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "file.bin"})
	assert.ErrorIs(t, err, ErrNameConflict)

	// The existing file is untouched and the session survives for retry.
	rc, err := e.backend.Open(ctx, "u1/file.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "other.bin"})
	require.NoError(t, err)
}

func TestWritePartValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "data.bin", Size: 10})
	require.NoError(t, err)

	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPartNumber)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 4, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPartNumber)
	_, err = e.manager.WritePart(ctx, "u1", "garbage", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrMalformedUploadID)
	_, err = e.manager.WritePart(ctx, "u1", "0123456789abcdef0123456789abcdef_2", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestWritePartAfterFinalize(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "a.txt", Size: 2})
	require.NoError(t, err)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("hi"))
	require.NoError(t, err)
	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "a.txt"})
	require.NoError(t, err)

	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("hi"))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestCancel(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "data.bin", Size: 10})
	require.NoError(t, err)

	require.NoError(t, e.manager.Cancel(ctx, "u1", session.UploadID))

	_, err = e.manager.Status(ctx, "u1", session.UploadID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	assert.ErrorIs(t, e.manager.Cancel(ctx, "u1", session.UploadID), ErrUploadNotFound)

	// Cancel released the reservation.
	usage, err := e.ledger.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Reserved)
}

func TestCancelAfterFinalize(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	session, err := e.manager.Init(ctx, "u1", InitRequest{Name: "a.txt", Size: 2})
	require.NoError(t, err)
	_, err = e.manager.WritePart(ctx, "u1", session.UploadID, 1, strings.NewReader("hi"))
	require.NoError(t, err)
	_, err = e.manager.Finalize(ctx, "u1", FinalizeRequest{UploadID: session.UploadID, Name: "a.txt"})
	require.NoError(t, err)

	assert.ErrorIs(t, e.manager.Cancel(ctx, "u1", session.UploadID), ErrAlreadyCompleted)
}

func TestLimiterDisabled(t *testing.T) {
	// perUser < 1 disables limiting; Acquire must not block.
	l := NewLimiter(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(ctx, "u1"))
	}
	l.Release("u1")
}

func TestLimiterBounds(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background(), "u1"))

	// A second acquire for the same user blocks until release.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "u1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// Other users are unaffected.
	require.NoError(t, l.Acquire(context.Background(), "u2"))

	l.Release("u1")
	require.NoError(t, l.Acquire(context.Background(), "u1"))
}
