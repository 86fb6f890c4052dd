// Package quota implements the reservation ledger guarding per-user storage
// space.
//
// Committed usage lives in the file index (UserQuota.UsedSpace); in-flight
// promises live as TTL'd reservations in the key-value store. Remaining space
// is always total − committed − Σ(other active reservations). Reservations
// are advisory and self-healing: finalize and GC both trim stale entries, so
// a crashed client can never permanently lock quota — the TTL bounds the
// damage a lying or vanished uploader can do.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/kv"
	"github.com/cumulusfs/cumulus/pkg/metrics"
)

// ErrQuotaExceeded indicates the requested bytes do not fit in the user's
// remaining space. Reserve fails closed: when in doubt, no reservation.
var ErrQuotaExceeded = errors.New("quota exceeded")

const reservationPrefix = "quota:resv:"

// Reservation is one in-flight byte hold.
type Reservation struct {
	UserID    string    `json:"user_id"`
	UploadID  string    `json:"upload_id"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger arbitrates quota reservations for all users.
type Ledger struct {
	store   *index.Store
	kv      kv.Store
	metrics *metrics.Metrics
}

// NewLedger creates a quota ledger over the given index and KV stores.
func NewLedger(store *index.Store, kvStore kv.Store, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, kv: kvStore, metrics: m}
}

func reservationKey(userID, uploadID string) string {
	return reservationPrefix + userID + ":" + uploadID
}

func userPrefix(userID string) string {
	return reservationPrefix + userID + ":"
}

// Reserve holds bytes against the user's quota for the given upload.
//
// The quota row is locked while remaining space is recomputed, so two
// concurrent reservations for the same user cannot both fit into the last
// byte. The reservation expires after ttl unless refreshed.
func (l *Ledger) Reserve(ctx context.Context, userID, uploadID string, bytes int64, ttl time.Duration) error {
	if bytes < 0 {
		return fmt.Errorf("negative reservation of %d bytes", bytes)
	}
	return l.store.WithQuotaLock(ctx, userID, func(quota *index.UserQuota) error {
		reserved, err := l.Reserved(ctx, userID, uploadID)
		if err != nil {
			return err
		}
		remaining := quota.TotalSpace - quota.UsedSpace - reserved
		if bytes > remaining {
			return fmt.Errorf("%w: requested %d, remaining %d", ErrQuotaExceeded, bytes, remaining)
		}

		resv := Reservation{
			UserID:    userID,
			UploadID:  uploadID,
			Bytes:     bytes,
			CreatedAt: time.Now().UTC(),
		}
		payload, err := json.Marshal(resv)
		if err != nil {
			return err
		}
		return l.kv.Set(ctx, reservationKey(userID, uploadID), payload, ttl)
	})
}

// Refresh extends the TTL of an existing reservation. Missing reservations
// are ignored: the session directory is the authority on liveness and
// finalize re-checks space against actual size anyway.
func (l *Ledger) Refresh(ctx context.Context, userID, uploadID string, ttl time.Duration) error {
	err := l.kv.Expire(ctx, reservationKey(userID, uploadID), ttl)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Release drops a reservation.
func (l *Ledger) Release(ctx context.Context, userID, uploadID string) error {
	return l.kv.Delete(ctx, reservationKey(userID, uploadID))
}

// Reserved sums the user's active reservations, excluding excludeUploadID.
func (l *Ledger) Reserved(ctx context.Context, userID, excludeUploadID string) (int64, error) {
	entries, err := l.kv.Scan(ctx, userPrefix(userID))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		var resv Reservation
		if err := json.Unmarshal(e.Value, &resv); err != nil {
			logger.Warn("dropping undecodable quota reservation", "key", e.Key, "error", err)
			_ = l.kv.Delete(ctx, e.Key)
			continue
		}
		if resv.UploadID == excludeUploadID {
			continue
		}
		total += resv.Bytes
	}
	return total, nil
}

// CheckCommit verifies that committing `bytes` additional bytes fits the
// user's quota, excluding the upload's own reservation. Finalize calls this
// against the actual merged size because the reservation used the declared
// size, which the client may have gotten wrong.
func (l *Ledger) CheckCommit(ctx context.Context, userID, uploadID string, bytes int64) error {
	return l.store.WithQuotaLock(ctx, userID, func(quota *index.UserQuota) error {
		reserved, err := l.Reserved(ctx, userID, uploadID)
		if err != nil {
			return err
		}
		remaining := quota.TotalSpace - quota.UsedSpace - reserved
		if bytes > remaining {
			return fmt.Errorf("%w: committing %d, remaining %d", ErrQuotaExceeded, bytes, remaining)
		}
		return nil
	})
}

// Reconcile drops reservations whose upload session no longer exists.
// Returns the number of orphans removed.
func (l *Ledger) Reconcile(ctx context.Context, liveSessions map[string]bool) (int, error) {
	entries, err := l.kv.Scan(ctx, reservationPrefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		var resv Reservation
		if err := json.Unmarshal(e.Value, &resv); err != nil {
			_ = l.kv.Delete(ctx, e.Key)
			removed++
			continue
		}
		if !liveSessions[resv.UploadID] {
			if err := l.kv.Delete(ctx, e.Key); err != nil {
				return removed, err
			}
			logger.Info("reclaimed orphaned quota reservation",
				"user_id", resv.UserID, "upload_id", resv.UploadID, "bytes", resv.Bytes)
			removed++
		}
	}
	l.metrics.RecordGCReclaim("reservation", removed)
	return removed, nil
}

// RefreshUsedSpace recomputes and persists a user's committed usage.
func (l *Ledger) RefreshUsedSpace(ctx context.Context, userID string) (int64, error) {
	used, err := l.store.RefreshUsedSpace(ctx, userID)
	if err != nil {
		return 0, err
	}
	l.metrics.SetQuotaUsed(userID, used)
	return used, nil
}

// Usage reports a user's quota standing.
type Usage struct {
	TotalSpace int64 `json:"total_space"`
	UsedSpace  int64 `json:"used_space"`
	Reserved   int64 `json:"reserved"`
	Remaining  int64 `json:"remaining"`
}

// GetUsage returns the user's current quota standing.
func (l *Ledger) GetUsage(ctx context.Context, userID string) (*Usage, error) {
	quota, err := l.store.GetUserQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	reserved, err := l.Reserved(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	remaining := quota.TotalSpace - quota.UsedSpace - reserved
	if remaining < 0 {
		remaining = 0
	}
	return &Usage{
		TotalSpace: quota.TotalSpace,
		UsedSpace:  quota.UsedSpace,
		Reserved:   reserved,
		Remaining:  remaining,
	}, nil
}

// UserIDFromKey extracts the user ID from a reservation key. Exposed for GC
// logging.
func UserIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, reservationPrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}
