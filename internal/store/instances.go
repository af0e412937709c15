package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrLiveInstanceExists is returned when an insert loses the race against
// another live instance for the same (challenge, account) pair.
var ErrLiveInstanceExists = errors.New("a live instance already exists for this challenge and account")

// InstanceRepo persists container instances.
type InstanceRepo struct {
	db *gorm.DB
}

// NewInstanceRepo creates an InstanceRepo.
func NewInstanceRepo(db *gorm.DB) *InstanceRepo {
	return &InstanceRepo{db: db}
}

// Create inserts a new instance row. A violation of the live-instance
// partial unique index surfaces as ErrLiveInstanceExists so the caller can
// re-read the winner.
func (r *InstanceRepo) Create(ctx context.Context, inst *Instance) error {
	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrLiveInstanceExists
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// GetByUUID returns the instance or (nil, nil) when absent.
func (r *InstanceRepo) GetByUUID(ctx context.Context, uuid string) (*Instance, error) {
	var inst Instance
	result := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&inst)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instance: %w", result.Error)
	}
	return &inst, nil
}

// GetByID returns the instance by row ID, or (nil, nil) when absent.
func (r *InstanceRepo) GetByID(ctx context.Context, id uint) (*Instance, error) {
	var inst Instance
	result := r.db.WithContext(ctx).First(&inst, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instance: %w", result.Error)
	}
	return &inst, nil
}

// GetLive returns the pending/provisioning/running instance for the pair,
// or (nil, nil).
func (r *InstanceRepo) GetLive(ctx context.Context, challengeID, accountID uint) (*Instance, error) {
	var inst Instance
	result := r.db.WithContext(ctx).
		Where("challenge_id = ? AND account_id = ? AND status IN ?", challengeID, accountID, LiveStatuses).
		First(&inst)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get live instance: %w", result.Error)
	}
	return &inst, nil
}

// GetSolved returns the solved instance for the pair, or (nil, nil).
func (r *InstanceRepo) GetSolved(ctx context.Context, challengeID, accountID uint) (*Instance, error) {
	var inst Instance
	result := r.db.WithContext(ctx).
		Where("challenge_id = ? AND account_id = ? AND status = ?", challengeID, accountID, StatusSolved).
		First(&inst)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get solved instance: %w", result.Error)
	}
	return &inst, nil
}

// Save writes all fields of an existing instance.
func (r *InstanceRepo) Save(ctx context.Context, inst *Instance) error {
	if err := r.db.WithContext(ctx).Save(inst).Error; err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// UpdateFields applies a partial update by uuid.
func (r *InstanceRepo) UpdateFields(ctx context.Context, uuid string, fields map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&Instance{}).
		Where("uuid = ?", uuid).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update instance: %w", result.Error)
	}
	return nil
}

// TouchLastAccessed records player activity on the instance.
func (r *InstanceRepo) TouchLastAccessed(ctx context.Context, uuid string, at time.Time) error {
	return r.UpdateFields(ctx, uuid, map[string]any{"last_accessed_at": at})
}

// InstanceFilter narrows List results. Zero values mean "any".
type InstanceFilter struct {
	Status      InstanceStatus
	ChallengeID uint
	AccountID   uint
	Limit       int
}

// List returns instances newest-first. Limit defaults to 100 and is capped
// at 500.
func (r *InstanceRepo) List(ctx context.Context, f InstanceFilter) ([]Instance, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.ChallengeID != 0 {
		query = query.Where("challenge_id = ?", f.ChallengeID)
	}
	if f.AccountID != 0 {
		query = query.Where("account_id = ?", f.AccountID)
	}

	var out []Instance
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return out, nil
}

// UsedPorts collects every external port held by provisioning, running, or
// stopping instances. This is the system-of-record half of the allocator's
// free-port check.
func (r *InstanceRepo) UsedPorts(ctx context.Context) ([]int, error) {
	var rows []Instance
	err := r.db.WithContext(ctx).
		Select("connection_port", "connection_ports").
		Where("status IN ?", PortHoldingStatuses).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to collect used ports: %w", err)
	}

	var ports []int
	for i := range rows {
		ports = append(ports, rows[i].ExternalPorts()...)
	}
	return ports, nil
}

// ExpiredRunning returns up to limit running instances whose lease ended
// before now, oldest deadline first.
func (r *InstanceRepo) ExpiredRunning(ctx context.Context, now time.Time, limit int) ([]Instance, error) {
	var out []Instance
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", StatusRunning, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired instances: %w", err)
	}
	return out, nil
}

// CountByStatus returns instance counts grouped by status.
func (r *InstanceRepo) CountByStatus(ctx context.Context) (map[InstanceStatus]int64, error) {
	var rows []struct {
		Status InstanceStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&Instance{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}

	out := make(map[InstanceStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// LiveUUIDs returns the uuids of every instance that may still own a
// container (anything not terminal). The orphan reaper compares daemon
// labels against this set.
func (r *InstanceRepo) LiveUUIDs(ctx context.Context) ([]string, error) {
	var uuids []string
	err := r.db.WithContext(ctx).
		Model(&Instance{}).
		Where("status IN ?", []InstanceStatus{StatusPending, StatusProvisioning, StatusRunning, StatusStopping}).
		Pluck("uuid", &uuids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to collect live uuids: %w", err)
	}
	return uuids, nil
}

// DeleteByUUID removes one instance row.
func (r *InstanceRepo) DeleteByUUID(ctx context.Context, uuid string) error {
	result := r.db.WithContext(ctx).Where("uuid = ?", uuid).Delete(&Instance{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete instance: %w", result.Error)
	}
	return nil
}

// DeleteOld removes stopped instances older than stoppedBefore and errored
// instances created before erroredBefore, together with any unredeemed
// flags they still own. Solved instances are never deleted.
func (r *InstanceRepo) DeleteOld(ctx context.Context, stoppedBefore, erroredBefore time.Time) (int64, error) {
	const doomed = "(status = ? AND stopped_at < ?) OR (status = ? AND created_at < ?)"

	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&Instance{}).Select("id").
			Where(doomed, StatusStopped, stoppedBefore, StatusError, erroredBefore)
		if err := tx.Where("status <> ? AND instance_id IN (?)", FlagSubmittedCorrect, ids).
			Delete(&FlagRecord{}).Error; err != nil {
			return err
		}

		result := tx.Where(doomed, StatusStopped, stoppedBefore, StatusError, erroredBefore).
			Delete(&Instance{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old instances: %w", err)
	}
	return deleted, nil
}
