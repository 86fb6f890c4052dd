package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusfs/cumulus/internal/api/auth"
	"github.com/cumulusfs/cumulus/pkg/archive"
	"github.com/cumulusfs/cumulus/pkg/config"
	"github.com/cumulusfs/cumulus/pkg/files"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/kv"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
	"github.com/cumulusfs/cumulus/pkg/storage/local"
	"github.com/cumulusfs/cumulus/pkg/token"
	"github.com/cumulusfs/cumulus/pkg/upload"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// newTestServer assembles the full in-memory stack behind the router.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.Upload.PartSize = 4 // tiny parts keep multi-part tests small

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

	kvStore := kv.NewMemoryStore()
	ledger := quota.NewLedger(store, kvStore, nil)
	provider := config.NewProvider(cfg)

	uploads := upload.NewManager(registry, store, ledger, provider, upload.NewLimiter(4), nil, nil)
	collector := upload.NewCollector(registry, ledger, provider, nil)
	filesSvc := files.NewService(registry, store, ledger, provider, nil, nil)
	archives := archive.NewService(registry, store, ledger, nil, nil)
	jobs := archive.NewJobs(archives, time.Hour)
	tokens := token.NewService(kvStore, time.Minute)

	return NewRouter(Deps{
		Config:   cfg,
		Provider: provider,
		Store:    store,
		Registry: registry,
		Ledger:   ledger,
		Uploads:  uploads,
		UploadGC: collector,
		Files:    filesSvc,
		Archives: archives,
		Jobs:     jobs,
		Tokens:   tokens,
	})
}

// signToken mints a bearer token the way the identity provider would.
func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: userID,
		Role:   role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do runs one request through the router. A JSON body is encoded; a string
// body is sent raw.
func do(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/v1/files/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/files/", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A token signed with the wrong secret is rejected.
	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: "u1"}).
		SignedString([]byte("another-secret-that-is-long-enough"))
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/v1/files/", wrong, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadFlow(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/v1/uploads", bearer,
		map[string]any{"name": "data.bin", "size": 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decodeBody(t, rec)
	uploadID := session["upload_id"].(string)
	assert.Equal(t, float64(3), session["total_parts"])

	content := "0123456789"
	for part := 1; part <= 3; part++ {
		start := (part - 1) * 4
		end := start + 4
		if end > len(content) {
			end = len(content)
		}
		rec = do(t, h, http.MethodPut,
			fmt.Sprintf("/api/v1/uploads/%s/parts/%d", uploadID, part), bearer, content[start:end])
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/uploads/"+uploadID, bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, float64(3), status["received"])
	assert.Nil(t, status["missing_parts"])

	rec = do(t, h, http.MethodPost, "/api/v1/uploads/"+uploadID+"/finalize", bearer,
		map[string]any{"name": "data.bin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decodeBody(t, rec)
	entryID := entry["id"].(string)
	assert.Equal(t, float64(10), entry["size"])

	rec = do(t, h, http.MethodGet, "/api/v1/files/"+entryID+"/download", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "data.bin")

	rec = do(t, h, http.MethodGet, "/api/v1/quota", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decodeBody(t, rec)
	assert.Equal(t, float64(10), usage["used_space"])
}

func TestUploadStatusNotFound(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodGet, "/api/v1/uploads/0123456789abcdef0123456789abcdef_2", bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/api/v1/uploads/garbage", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirectoryLifecycle(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/v1/files/dirs", bearer, map[string]any{"name": "docs"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dir := decodeBody(t, rec)
	dirID := dir["id"].(string)

	// Duplicate directory name conflicts.
	rec = do(t, h, http.MethodPost, "/api/v1/files/dirs", bearer, map[string]any{"name": "docs"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/files/", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)

	// Rename via PATCH with keep_parent.
	rec = do(t, h, http.MethodPatch, "/api/v1/files/"+dirID, bearer,
		map[string]any{"name": "papers", "keep_parent": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "papers", decodeBody(t, rec)["name"])

	// Tenant isolation: another user sees nothing.
	other := signToken(t, "u2", "")
	rec = do(t, h, http.MethodGet, "/api/v1/files/"+dirID, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrashFlow(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/v1/files/dirs", bearer, map[string]any{"name": "docs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	dirID := decodeBody(t, rec)["id"].(string)

	rec = do(t, h, http.MethodDelete, "/api/v1/files/", bearer,
		map[string]any{"entry_ids": []string{dirID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/trash/", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trashed := decodeBody(t, rec)["entries"].([]any)
	require.Len(t, trashed, 1)

	rec = do(t, h, http.MethodPost, "/api/v1/trash/"+dirID+"/restore", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Delete again, then purge for good.
	rec = do(t, h, http.MethodDelete, "/api/v1/files/", bearer,
		map[string]any{"entry_ids": []string{dirID}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/trash/"+dirID, bearer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/files/"+dirID, bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveJobFlow(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/v1/uploads", bearer,
		map[string]any{"name": "a.txt", "size": 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	uploadID := decodeBody(t, rec)["upload_id"].(string)
	rec = do(t, h, http.MethodPut, "/api/v1/uploads/"+uploadID+"/parts/1", bearer, "data")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/uploads/"+uploadID+"/finalize", bearer,
		map[string]any{"name": "a.txt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	entryID := decodeBody(t, rec)["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/v1/archives/compress", bearer,
		map[string]any{"entry_ids": []string{entryID}, "name": "backup"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decodeBody(t, rec)["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	var job map[string]any
	for time.Now().Before(deadline) {
		rec = do(t, h, http.MethodGet, "/api/v1/archives/jobs/"+jobID, bearer, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		job = decodeBody(t, rec)
		if job["state"] != "running" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "done", job["state"], "job: %v", job)
	result := job["result"].(map[string]any)
	assert.Equal(t, "backup.zip", result["name"])

	// Jobs are invisible to other users.
	rec = do(t, h, http.MethodGet, "/api/v1/archives/jobs/"+jobID, signToken(t, "u2", ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenizedDownload(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/v1/uploads", bearer,
		map[string]any{"name": "share.txt", "size": 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	uploadID := decodeBody(t, rec)["upload_id"].(string)
	rec = do(t, h, http.MethodPut, "/api/v1/uploads/"+uploadID+"/parts/1", bearer, "data")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/uploads/"+uploadID+"/finalize", bearer,
		map[string]any{"name": "share.txt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	entryID := decodeBody(t, rec)["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/v1/files/"+entryID+"/tokens", bearer,
		map[string]any{"single_use": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dl := decodeBody(t, rec)["token"].(string)

	// The download link needs no bearer token.
	rec = do(t, h, http.MethodGet, "/api/v1/dl/"+dl, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data", rec.Body.String())

	// Single use: the second redemption fails.
	rec = do(t, h, http.MethodGet, "/api/v1/dl/"+dl, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminGC(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/admin/uploads/gc", signToken(t, "u1", ""), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/admin/uploads/gc?dry_run=true", signToken(t, "ops", "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody(t, rec)
	assert.Equal(t, true, report["dry_run"])
}

func TestUnknownFieldRejected(t *testing.T) {
	h := newTestServer(t)
	bearer := signToken(t, "u1", "")

	rec := do(t, h, http.MethodPost, "/api/v1/files/dirs", bearer,
		map[string]any{"name": "docs", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
