package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigRepo persists runtime settings as key/value rows.
type ConfigRepo struct {
	db *gorm.DB
}

// NewConfigRepo creates a ConfigRepo.
func NewConfigRepo(db *gorm.DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// Get returns the value for key and whether it exists.
func (r *ConfigRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var entry ConfigEntry
	result := r.db.WithContext(ctx).Where("key = ?", key).First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get config key %q: %w", key, result.Error)
	}
	return entry.Value, true, nil
}

// Set upserts one key.
func (r *ConfigRepo) Set(ctx context.Context, key, value string) error {
	entry := ConfigEntry{Key: key, Value: value}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set config key %q: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes key only when no row exists yet. It reports whether
// the write happened, so first-boot initialization of immutable keys can
// race safely across replicas.
func (r *ConfigRepo) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	entry := ConfigEntry{Key: key, Value: value}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("failed to initialize config key %q: %w", key, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// All returns every stored key/value pair.
func (r *ConfigRepo) All(ctx context.Context) (map[string]string, error) {
	var entries []ConfigEntry
	if err := r.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}
