package repository

import (
	"context"

	"fastdrop-go/internal/model"

	"gorm.io/gorm"
)

// Transactor 在同一个数据库事务中执行文件与配额的修改。
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(uploads UploadRepository, quotas QuotaRepository) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

// NewTransactor 创建一个基于 GORM 的 Transactor。
func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

// WithinTransaction 中 fn 返回错误时整个事务回滚。
func (t *gormTransactor) WithinTransaction(ctx context.Context, fn func(UploadRepository, QuotaRepository) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewUploadRepository(tx), NewQuotaRepository(tx))
	})
}

// AutoMigrate 创建或更新本服务使用的全部表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.File{}, &model.QuotaAccount{}, &model.AuditLog{}, &model.DownloadToken{})
}
