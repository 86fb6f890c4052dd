// Package token issues short-lived opaque tokens granting access to a single
// file entry, typically for unauthenticated download links.
//
// Tokens are random values stored server-side with a TTL; nothing about them
// is decodable by the client, and revocation is a key delete. Optional IP and
// user-agent binding ties a token to the requester it was issued to.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/kv"
)

var (
	// ErrTokenInvalid indicates an unknown, expired or revoked token.
	ErrTokenInvalid = errors.New("token is invalid or expired")

	// ErrBindingMismatch indicates a token presented from the wrong client.
	ErrBindingMismatch = errors.New("token bound to a different client")
)

const (
	tokenPrefix = "token:access:"
	tokenBytes  = 32
)

// Scope limits what a token authorizes.
type Scope string

const (
	// ScopeDownload authorizes reading one entry's content.
	ScopeDownload Scope = "download"
	// ScopePreview authorizes rendering one entry's content inline.
	ScopePreview Scope = "preview"
)

// Claims is what a stored token asserts.
type Claims struct {
	UserID    string    `json:"user_id"`
	EntryID   string    `json:"entry_id"`
	Scope     Scope     `json:"scope"`
	IPHash    string    `json:"ip_hash,omitempty"`
	UAHash    string    `json:"ua_hash,omitempty"`
	SingleUse bool      `json:"single_use,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issued is returned to the caller on token creation.
type Issued struct {
	Token     string    `json:"token"`
	Scope     Scope     `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueOptions tunes a new token.
type IssueOptions struct {
	// TTL bounds the token's lifetime; zero uses the service default.
	TTL time.Duration
	// BindIP ties the token to the issuing client's IP.
	BindIP string
	// BindUserAgent ties the token to the issuing client's user agent.
	BindUserAgent string
	// SingleUse revokes the token on its first successful redemption.
	SingleUse bool
}

// Service issues and verifies access tokens.
type Service struct {
	kv         kv.Store
	defaultTTL time.Duration
}

// NewService wires a token service. defaultTTL applies when IssueOptions.TTL
// is zero.
func NewService(kvStore kv.Store, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &Service{kv: kvStore, defaultTTL: defaultTTL}
}

// Issue mints a token for one entry.
func (s *Service) Issue(ctx context.Context, userID, entryID string, scope Scope, opts IssueOptions) (*Issued, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		UserID:    userID,
		EntryID:   entryID,
		Scope:     scope,
		SingleUse: opts.SingleUse,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if opts.BindIP != "" {
		claims.IPHash = bindingHash(opts.BindIP)
	}
	if opts.BindUserAgent != "" {
		claims.UAHash = bindingHash(opts.BindUserAgent)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(ctx, tokenPrefix+token, payload, ttl); err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "access token issued",
		"user_id", userID, "entry_id", entryID, "scope", string(scope),
		"expires_at", claims.ExpiresAt)
	return &Issued{Token: token, Scope: scope, ExpiresAt: claims.ExpiresAt}, nil
}

// Verify checks a presented token against its stored claims and the
// presenting client. The KV TTL already enforces expiry; the ExpiresAt check
// is a belt for stores with coarse expiration.
func (s *Service) Verify(ctx context.Context, token, clientIP, userAgent string) (*Claims, error) {
	payload, err := s.kv.Get(ctx, tokenPrefix+token)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrTokenInvalid
	}
	if time.Now().After(claims.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	if claims.IPHash != "" && !bindingMatches(claims.IPHash, clientIP) {
		logger.WarnCtx(ctx, "token presented from unbound ip",
			"entry_id", claims.EntryID, "client_ip", clientIP)
		return nil, ErrBindingMismatch
	}
	if claims.UAHash != "" && !bindingMatches(claims.UAHash, userAgent) {
		logger.WarnCtx(ctx, "token presented with unbound user agent",
			"entry_id", claims.EntryID)
		return nil, ErrBindingMismatch
	}
	return &claims, nil
}

// Redeem verifies a token and, for single-use tokens, revokes it so the
// second redemption fails.
func (s *Service) Redeem(ctx context.Context, token, clientIP, userAgent string) (*Claims, error) {
	claims, err := s.Verify(ctx, token, clientIP, userAgent)
	if err != nil {
		return nil, err
	}
	if claims.SingleUse {
		if err := s.Revoke(ctx, token); err != nil {
			logger.WarnCtx(ctx, "failed to revoke single-use token", "error", err)
		}
	}
	return claims, nil
}

// Revoke invalidates a token immediately.
func (s *Service) Revoke(ctx context.Context, token string) error {
	err := s.kv.Delete(ctx, tokenPrefix+token)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	return err
}

func bindingHash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func bindingMatches(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(bindingHash(presented))) == 1
}
