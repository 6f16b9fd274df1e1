package session

import (
	"context"
	"time"

	"github.com/poliport/poliport/internal/storage"
)

// CleanupResult reports what a cleanup sweep did.
type CleanupResult struct {
	SoftDeleted int
	HardDeleted int
}

// CleanupExpiredSessions runs the two-phase sweep:
//
//  1. soft-delete every session past its overall expiry that is not yet
//     soft-deleted;
//  2. hard-delete every session soft-deleted longer than the retention
//     window ago, nulling conversation references first.
//
// The sweep is idempotent and safe to run concurrently with itself: a
// second run finds nothing new to do. Failures are logged, never raised;
// scheduling belongs to the caller.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) CleanupResult {
	now := m.nowFunc()
	var result CleanupResult

	expired, err := m.store.Sessions().ListExpired(ctx, now)
	if err != nil {
		m.logger.Error("cleanup: listing expired sessions failed", "error", err)
	}
	for _, token := range expired {
		if err := m.store.Sessions().SoftDelete(ctx, token, now); err != nil {
			m.logger.Error("cleanup: soft delete failed", "error", err)
			continue
		}
		result.SoftDeleted++
	}

	cutoff := now.Add(-time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)
	stale, err := m.store.Sessions().ListSoftDeletedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("cleanup: listing soft-deleted sessions failed", "error", err)
		return result
	}
	if len(stale) == 0 {
		return result
	}

	// References are nulled and rows removed in one transaction so a crash
	// between the two cannot leave a conversation pointing at a dead row.
	err = m.store.Tx(ctx, func(tx storage.Store) error {
		if err := tx.Conversations().NullSessionRefs(ctx, stale); err != nil {
			return err
		}
		return tx.Sessions().HardDelete(ctx, stale)
	})
	if err != nil {
		m.logger.Error("cleanup: hard delete failed", "error", err)
		return result
	}
	result.HardDeleted = len(stale)

	if m.metrics != nil {
		m.metrics.SessionsCleaned.WithLabelValues("soft").Add(float64(result.SoftDeleted))
		m.metrics.SessionsCleaned.WithLabelValues("hard").Add(float64(result.HardDeleted))
	}
	if result.SoftDeleted > 0 || result.HardDeleted > 0 {
		m.logger.Info("session cleanup sweep finished",
			"soft_deleted", result.SoftDeleted, "hard_deleted", result.HardDeleted)
	}
	return result
}
