package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"gorm.io/gorm"
)

// AuditRepository 审计日志仓库
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 写入审计日志
func (r *AuditRepository) Create(ctx context.Context, log *entity.AuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByEntity 按实体查询审计日志
func (r *AuditRepository) FindByEntity(ctx context.Context, entityType, entityID string, limit int) ([]entity.AuditLog, error) {
	var logs []entity.AuditLog
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// DeleteOlderThan 删除保留期外的审计日志，返回删除行数
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&entity.AuditLog{})
	return res.RowsAffected, res.Error
}
