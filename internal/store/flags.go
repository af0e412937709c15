package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrFlagHashExists is returned when a flag hash collides with one already
// issued, which distinguishes a duplicate from a storage failure.
var ErrFlagHashExists = errors.New("flag hash already issued")

// FlagRepo persists issued flags.
type FlagRepo struct {
	db *gorm.DB
}

// NewFlagRepo creates a FlagRepo.
func NewFlagRepo(db *gorm.DB) *FlagRepo {
	return &FlagRepo{db: db}
}

// Insert records a freshly issued flag. A hash collision surfaces as
// ErrFlagHashExists.
func (r *FlagRepo) Insert(ctx context.Context, rec *FlagRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrFlagHashExists
		}
		return fmt.Errorf("failed to insert flag: %w", err)
	}
	return nil
}

// GetByHash looks up a flag by its SHA-256 hex digest, or (nil, nil).
func (r *FlagRepo) GetByHash(ctx context.Context, hash string) (*FlagRecord, error) {
	var rec FlagRecord
	result := r.db.WithContext(ctx).Where("flag_hash = ?", hash).First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get flag: %w", result.Error)
	}
	return &rec, nil
}

// MarkSubmittedCorrect transitions a temporary flag to submitted_correct and
// records who turned it in.
func (r *FlagRepo) MarkSubmittedCorrect(ctx context.Context, flagID uint, userID uint, ip string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&FlagRecord{}).
		Where("id = ?", flagID).
		Updates(map[string]any{
			"status":               FlagSubmittedCorrect,
			"submitted_at":         at,
			"submitted_by_user_id": userID,
			"submitted_from_ip":    ip,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark flag correct: %w", result.Error)
	}
	return nil
}

// DeleteTemporaryByInstance removes still-temporary flags of an instance.
// Flags that were submitted correctly stay for the permanent record.
func (r *FlagRepo) DeleteTemporaryByInstance(ctx context.Context, instanceID uint) error {
	result := r.db.WithContext(ctx).
		Where("instance_id = ? AND status = ?", instanceID, FlagTemporary).
		Delete(&FlagRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete temporary flags: %w", result.Error)
	}
	return nil
}

// AttemptRepo persists flag submission attempts.
type AttemptRepo struct {
	db *gorm.DB
}

// NewAttemptRepo creates an AttemptRepo.
func NewAttemptRepo(db *gorm.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// Insert records one submission attempt.
func (r *AttemptRepo) Insert(ctx context.Context, att *FlagAttempt) error {
	if err := r.db.WithContext(ctx).Create(att).Error; err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// InsertWithAudit records an attempt and an audit entry in one transaction.
// The cheat path uses this so the accusation and its evidence land together
// or not at all.
func (r *AttemptRepo) InsertWithAudit(ctx context.Context, att *FlagAttempt, entry *AuditLog) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(att).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record attempt with audit: %w", err)
	}
	return nil
}

// ListCheating returns flagged attempts newest-first, up to limit.
func (r *AttemptRepo) ListCheating(ctx context.Context, limit int) ([]FlagAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []FlagAttempt
	err := r.db.WithContext(ctx).
		Where("is_cheating = ?", true).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cheating attempts: %w", err)
	}
	return out, nil
}
