package repository

import (
	"context"
	"time"

	"fastdrop-go/internal/model"

	"gorm.io/gorm"
)

// AuditRepository 定义了审计日志的持久化操作。
type AuditRepository interface {
	Create(ctx context.Context, entry *model.AuditLog) error
	FindByResource(ctx context.Context, resourceID string, limit int) ([]model.AuditLog, error)
	CountBefore(ctx context.Context, before time.Time) (int64, error)
	// DeleteBefore 删除创建时间早于 before 的记录，返回删除的数量。
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建一个新的 AuditRepository 实例。
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, entry *model.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindByResource 按时间顺序返回某个资源的审计记录。
func (r *auditRepository) FindByResource(ctx context.Context, resourceID string, limit int) ([]model.AuditLog, error) {
	var entries []model.AuditLog
	err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("id asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *auditRepository) CountBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.AuditLog{}).Where("created_at < ?", before).Count(&n).Error
	return n, err
}

func (r *auditRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.AuditLog{})
	return res.RowsAffected, res.Error
}
