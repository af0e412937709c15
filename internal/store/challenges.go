package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChallengeRepo persists challenge definitions.
type ChallengeRepo struct {
	db *gorm.DB
}

// NewChallengeRepo creates a ChallengeRepo.
func NewChallengeRepo(db *gorm.DB) *ChallengeRepo {
	return &ChallengeRepo{db: db}
}

// Get returns the challenge or (nil, nil) when absent.
func (r *ChallengeRepo) Get(ctx context.Context, id uint) (*Challenge, error) {
	var ch Challenge
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&ch)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get challenge: %w", result.Error)
	}
	return &ch, nil
}

// List returns all challenges ordered by id.
func (r *ChallengeRepo) List(ctx context.Context) ([]Challenge, error) {
	var out []Challenge
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	return out, nil
}

// Upsert inserts the challenge or replaces every column of an existing row
// with the same id. The catalog importer relies on import being repeatable.
func (r *ChallengeRepo) Upsert(ctx context.Context, ch *Challenge) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(ch).Error
	if err != nil {
		return fmt.Errorf("failed to upsert challenge: %w", err)
	}
	return nil
}

// Delete removes one challenge definition.
func (r *ChallengeRepo) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Challenge{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete challenge: %w", result.Error)
	}
	return nil
}

// Count returns the number of stored challenges.
func (r *ChallengeRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Challenge{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count challenges: %w", err)
	}
	return n, nil
}
