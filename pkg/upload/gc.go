package upload

import (
	"context"
	"time"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/metrics"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// Collector reclaims abandoned upload state: idle sessions past their TTL,
// finalized session directories past the done-retention window, sessions
// whose finalize lock is evidently orphaned, and quota reservations whose
// session no longer exists.
type Collector struct {
	registry *storage.Registry
	ledger   *quota.Ledger
	settings Settings
	metrics  *metrics.Metrics
}

// NewCollector wires a GC collector.
func NewCollector(registry *storage.Registry, ledger *quota.Ledger, settings Settings, m *metrics.Metrics) *Collector {
	return &Collector{registry: registry, ledger: ledger, settings: settings, metrics: m}
}

// Report summarizes one GC pass.
type Report struct {
	ExpiredSessions int  `json:"expired_sessions"`
	DoneSessions    int  `json:"done_sessions"`
	StuckLocks      int  `json:"stuck_locks"`
	Reservations    int  `json:"reservations"`
	DryRun          bool `json:"dry_run"`
}

// Run sweeps every session-capable backend once. With dryRun set it only
// counts what would be reclaimed.
func (c *Collector) Run(ctx context.Context, dryRun bool) (Report, error) {
	report := Report{DryRun: dryRun}
	now := time.Now()
	sessionTTL := c.settings.SessionTTL()
	doneTTL := c.settings.DoneTTL()
	// A finalize that outlives twice the session TTL is presumed dead; the
	// lock holder refreshes nothing, so age is the only signal there is.
	stuckAfter := 2 * sessionTTL

	live := make(map[string]bool)

	for _, id := range c.registry.IDs() {
		backend, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		uploads, ok := backend.(storage.UploadCapable)
		if !ok {
			continue
		}
		ids, err := uploads.ListSessions(ctx)
		if err != nil {
			return report, err
		}
		for _, uploadID := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			info, err := uploads.ProbeSession(ctx, uploadID)
			if err != nil {
				logger.Warn("gc: failed to probe session",
					"storage_id", id, "upload_id", uploadID, "error", err)
				continue
			}

			kind, reclaim := c.classify(info, now, sessionTTL, doneTTL, stuckAfter)
			if !reclaim {
				live[uploadID] = true
				continue
			}
			switch kind {
			case "session":
				report.ExpiredSessions++
			case "done_session":
				report.DoneSessions++
			case "stuck_lock":
				report.StuckLocks++
			}
			if dryRun {
				continue
			}
			if kind == "stuck_lock" {
				if err := uploads.UnlockSession(ctx, uploadID); err != nil {
					logger.Warn("gc: failed to clear stuck lock",
						"storage_id", id, "upload_id", uploadID, "error", err)
					live[uploadID] = true
					continue
				}
			}
			if err := uploads.RemoveSession(ctx, uploadID); err != nil {
				logger.Warn("gc: failed to remove session",
					"storage_id", id, "upload_id", uploadID, "error", err)
				live[uploadID] = true
				continue
			}
			c.metrics.RecordGCReclaim(kind, 1)
			logger.Info("gc: reclaimed upload session",
				"storage_id", id, "upload_id", uploadID, "kind", kind,
				"age", now.Sub(info.ModTime).Round(time.Second).String())
		}
	}

	if dryRun {
		return report, nil
	}
	removed, err := c.ledger.Reconcile(ctx, live)
	report.Reservations = removed
	return report, err
}

// classify decides whether one session is reclaimable and why.
func (c *Collector) classify(info storage.SessionInfo, now time.Time, sessionTTL, doneTTL, stuckAfter time.Duration) (string, bool) {
	switch info.State {
	case storage.SessionDone:
		if now.Sub(info.ModTime) > doneTTL {
			return "done_session", true
		}
	case storage.SessionUploading:
		if now.Sub(info.ModTime) > sessionTTL {
			return "session", true
		}
	case storage.SessionFinalizing:
		if now.Sub(info.LockTime) > stuckAfter {
			return "stuck_lock", true
		}
	}
	return "", false
}
