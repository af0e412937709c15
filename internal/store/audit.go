package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AuditRepo persists audit log entries.
type AuditRepo struct {
	db *gorm.DB
}

// NewAuditRepo creates an AuditRepo.
func NewAuditRepo(db *gorm.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert writes one audit entry.
func (r *AuditRepo) Insert(ctx context.Context, entry *AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// InsertBatch writes a batch of audit entries in one transaction. The spool
// flusher drains buffered entries through this.
func (r *AuditRepo) InsertBatch(ctx context.Context, entries []AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("failed to insert audit batch: %w", err)
	}
	return nil
}

// AuditFilter narrows List results. Zero values mean "any".
type AuditFilter struct {
	EventType   string
	InstanceID  string
	ChallengeID uint
	AccountID   uint
	Severity    Severity
	Since       time.Time
	Limit       int
}

// List returns audit entries newest-first. Limit defaults to 100 and is
// capped at 1000.
func (r *AuditRepo) List(ctx context.Context, f AuditFilter) ([]AuditLog, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.InstanceID != "" {
		query = query.Where("instance_uuid = ?", f.InstanceID)
	}
	if f.ChallengeID != 0 {
		query = query.Where("challenge_id = ?", f.ChallengeID)
	}
	if f.AccountID != 0 {
		query = query.Where("account_id = ?", f.AccountID)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if !f.Since.IsZero() {
		query = query.Where("created_at >= ?", f.Since)
	}

	var out []AuditLog
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return out, nil
}
