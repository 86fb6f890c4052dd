package index

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============================================
// USER QUOTA OPERATIONS
// ============================================

// GetUserQuota returns the quota row for a user, creating it with the
// configured default total space on first touch.
func (s *Store) GetUserQuota(ctx context.Context, userID string) (*UserQuota, error) {
	var quota UserQuota
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&quota).Error
	if err == nil {
		return &quota, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	quota = UserQuota{UserID: userID, TotalSpace: s.config.DefaultTotalSpace}
	if err := s.db.WithContext(ctx).Create(&quota).Error; err != nil {
		if isUniqueConstraintError(err) {
			// Lost the creation race; the winner's row is authoritative.
			return s.GetUserQuota(ctx, userID)
		}
		return nil, err
	}
	return &quota, nil
}

// SetTotalSpace updates a user's quota limit, creating the row if missing.
func (s *Store) SetTotalSpace(ctx context.Context, userID string, total int64) error {
	if _, err := s.GetUserQuota(ctx, userID); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&UserQuota{}).
		Where("user_id = ?", userID).
		Update("total_space", total)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrQuotaNotFound
	}
	return nil
}

// WithQuotaLock runs fn with the user's quota row held under a row lock.
//
// On PostgreSQL this is SELECT ... FOR UPDATE, serializing concurrent
// reservations for the same user. SQLite has no row locks; its single-writer
// WAL serializes the surrounding transaction instead, which gives the same
// mutual exclusion for this workload.
func (s *Store) WithQuotaLock(ctx context.Context, userID string, fn func(quota *UserQuota) error) error {
	// Make sure the row exists before locking it.
	if _, err := s.GetUserQuota(ctx, userID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.supportsRowLocks() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var quota UserQuota
		if err := q.Where("user_id = ?", userID).First(&quota).Error; err != nil {
			return convertNotFoundError(err, ErrQuotaNotFound)
		}
		return fn(&quota)
	})
}

// RefreshUsedSpace recomputes committed usage from the file entries and
// persists it. This is the only writer of UserQuota.UsedSpace; every
// operation that changes committed bytes calls it after the DB commit.
func (s *Store) RefreshUsedSpace(ctx context.Context, userID string) (int64, error) {
	used, err := s.SumFileSizes(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := s.GetUserQuota(ctx, userID); err != nil {
		return 0, err
	}
	err = s.db.WithContext(ctx).Model(&UserQuota{}).
		Where("user_id = ?", userID).
		Update("used_space", used).Error
	if err != nil {
		return 0, err
	}
	return used, nil
}
