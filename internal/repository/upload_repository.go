// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"fastdrop-go/internal/model"

	"gorm.io/gorm"
)

// UploadRepository 接口定义了上传会话（即文件记录）的持久化操作。
type UploadRepository interface {
	Create(ctx context.Context, file *model.File) error
	FindByID(ctx context.Context, id string) (*model.File, error)
	FindByOwner(ctx context.Context, ownerID uint) ([]model.File, error)
	// MarkReady 仅当记录仍处于 uploading 时才将其置为 ready，返回是否发生了状态迁移。
	MarkReady(ctx context.Context, id, checksum string, completedAt time.Time, expiresAt *time.Time) (bool, error)
	// TransitionStatus 是带前置状态检查的状态迁移。
	TransitionStatus(ctx context.Context, id string, from, to model.FileStatus) (bool, error)
	Delete(ctx context.Context, id string) error
	// FindExpired 查找 expires_at 早于 before 的已完成文件。
	FindExpired(ctx context.Context, before time.Time, limit int) ([]model.File, error)
	// FindStaleUploads 查找创建时间早于 before 且仍在上传中的会话。
	FindStaleUploads(ctx context.Context, before time.Time, limit int) ([]model.File, error)
	// FindStatuses 返回给定 ID 的状态，不存在的 ID 不出现在结果中。
	FindStatuses(ctx context.Context, ids []string) (map[string]model.FileStatus, error)
}

// uploadRepository 是 UploadRepository 接口的 GORM 实现。
type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

// Create 在数据库中创建一个新的上传会话记录。
func (r *uploadRepository) Create(ctx context.Context, file *model.File) error {
	return r.db.WithContext(ctx).Create(file).Error
}

// FindByID 根据 ID 查找记录，不存在时返回 gorm.ErrRecordNotFound。
func (r *uploadRepository) FindByID(ctx context.Context, id string) (*model.File, error) {
	var file model.File
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// FindByOwner 查找指定用户的所有文件，按创建时间倒序。
func (r *uploadRepository) FindByOwner(ctx context.Context, ownerID uint) ([]model.File, error) {
	var files []model.File
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at desc").Find(&files).Error
	return files, err
}

func (r *uploadRepository) MarkReady(ctx context.Context, id, checksum string, completedAt time.Time, expiresAt *time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.File{}).
		Where("id = ? AND status = ?", id, model.FileStatusUploading).
		Updates(map[string]interface{}{
			"status":       model.FileStatusReady,
			"checksum":     checksum,
			"completed_at": completedAt,
			"expires_at":   expiresAt,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *uploadRepository) TransitionStatus(ctx context.Context, id string, from, to model.FileStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.File{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

// Delete 删除记录，记录不存在时不报错。
func (r *uploadRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.File{}).Error
}

func (r *uploadRepository) FindExpired(ctx context.Context, before time.Time, limit int) ([]model.File, error) {
	var files []model.File
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at < ?",
			[]model.FileStatus{model.FileStatusReady, model.FileStatusQuarantine}, before).
		Order("expires_at asc").
		Limit(limit).
		Find(&files).Error
	return files, err
}

func (r *uploadRepository) FindStaleUploads(ctx context.Context, before time.Time, limit int) ([]model.File, error) {
	var files []model.File
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.FileStatusUploading, before).
		Order("created_at asc").
		Limit(limit).
		Find(&files).Error
	return files, err
}

func (r *uploadRepository) FindStatuses(ctx context.Context, ids []string) (map[string]model.FileStatus, error) {
	statuses := make(map[string]model.FileStatus, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}
	var rows []model.File
	if err := r.db.WithContext(ctx).Select("id", "status").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, f := range rows {
		statuses[f.ID] = f.Status
	}
	return statuses, nil
}
