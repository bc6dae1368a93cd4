package qos

import (
	"context"
	"time"

	"github.com/talkincode/toughqos/internal/domain"
	"gorm.io/gorm"
)

// AuditRepository persists the audit trail of slicing decisions
type AuditRepository interface {
	// CreateSliceLog records a slice upsert
	CreateSliceLog(ctx context.Context, log *domain.QoSSliceLog) error

	// CreateRuleLog records a traffic rule push
	CreateRuleLog(ctx context.Context, log *domain.QoSRuleLog) error

	// DeleteOlderThan removes logs older than N days
	DeleteOlderThan(ctx context.Context, days int) error
}

// GormAuditRepository is the GORM implementation of AuditRepository
type GormAuditRepository struct {
	db *gorm.DB
}

// NewGormAuditRepository creates a new GORM-based audit repository
func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

func (r *GormAuditRepository) CreateSliceLog(ctx context.Context, log *domain.QoSSliceLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormAuditRepository) CreateRuleLog(ctx context.Context, log *domain.QoSRuleLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormAuditRepository) DeleteOlderThan(ctx context.Context, days int) error {
	before := time.Now().AddDate(0, 0, -days)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at < ?", before).Delete(&domain.QoSSliceLog{}).Error; err != nil {
			return err
		}
		return tx.Where("created_at < ?", before).Delete(&domain.QoSRuleLog{}).Error
	})
}
