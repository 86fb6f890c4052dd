package handlers

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cumulusfs/cumulus/internal/api/middleware"
	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/files"
	"github.com/cumulusfs/cumulus/pkg/token"
)

// TokenHandler issues and redeems access tokens for tokenized downloads.
type TokenHandler struct {
	tokens *token.Service
	files  *files.Service
}

// NewTokenHandler creates a token handler.
func NewTokenHandler(tokens *token.Service, filesSvc *files.Service) *TokenHandler {
	return &TokenHandler{tokens: tokens, files: filesSvc}
}

type issueTokenRequest struct {
	// Scope is "download" or "preview"; empty means download.
	Scope string `json:"scope,omitempty"`
	// TTL is the token lifetime, e.g. "15m"; empty uses the default.
	TTL string `json:"ttl,omitempty"`
	// BindClient ties the token to the issuing client's IP and user agent.
	BindClient bool `json:"bind_client,omitempty"`
	// SingleUse invalidates the token after its first redemption.
	SingleUse bool `json:"single_use,omitempty"`
}

// Issue handles POST /api/v1/files/{id}/tokens: a download token for one
// entry.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	entryID := chi.URLParam(r, "id")

	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil && err != io.EOF {
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return
	}

	// Issuing against a foreign or deleted entry must fail now, not at
	// redemption time.
	entry, err := h.files.Get(r.Context(), userID, entryID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry.IsDeleted {
		WriteError(w, files.ErrAlreadyDeleted)
		return
	}

	scope := token.ScopeDownload
	switch req.Scope {
	case "", string(token.ScopeDownload):
	case string(token.ScopePreview):
		scope = token.ScopePreview
	default:
		WriteProblem(w, http.StatusBadRequest, "Bad Request", "scope must be download or preview")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			WriteProblem(w, http.StatusBadRequest, "Bad Request", "ttl must be a positive duration")
			return
		}
	}

	opts := token.IssueOptions{TTL: ttl, SingleUse: req.SingleUse}
	if req.BindClient {
		opts.BindIP = requestIP(r)
		opts.BindUserAgent = r.UserAgent()
	}
	issued, err := h.tokens.Issue(r.Context(), userID, entry.ID, scope, opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// Redeem handles GET /api/v1/dl/{token}: unauthenticated content access via
// token. Download tokens serve as attachment, preview tokens inline.
func (h *TokenHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Redeem(r.Context(), chi.URLParam(r, "token"), requestIP(r), r.UserAgent())
	if err != nil {
		WriteError(w, err)
		return
	}
	if claims.Scope != token.ScopeDownload && claims.Scope != token.ScopePreview {
		WriteError(w, token.ErrTokenInvalid)
		return
	}

	rc, entry, err := h.files.Open(r.Context(), claims.UserID, claims.EntryID)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer rc.Close()

	contentType := entry.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := "attachment"
	if claims.Scope == token.ScopePreview {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, entry.Name))
	if _, err := io.Copy(w, rc); err != nil {
		logger.WarnCtx(r.Context(), "tokenized download aborted", "entry_id", entry.ID, "error", err)
	}
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
