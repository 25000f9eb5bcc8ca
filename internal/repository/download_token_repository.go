package repository

import (
	"context"
	"time"

	"fastdrop-go/internal/model"

	"gorm.io/gorm"
)

// DownloadTokenRepository 定义了分享链接的持久化操作。
type DownloadTokenRepository interface {
	Create(ctx context.Context, token *model.DownloadToken) error
	// FindByHash 按 token 的 SHA-256 查找，不存在时返回 gorm.ErrRecordNotFound。
	FindByHash(ctx context.Context, hash string) (*model.DownloadToken, error)
	FindByID(ctx context.Context, id uint) (*model.DownloadToken, error)
	FindByFile(ctx context.Context, fileID string) ([]model.DownloadToken, error)
	// ConsumeDownload 在链接仍有效时把下载次数加一，返回是否成功。
	ConsumeDownload(ctx context.Context, id uint, now time.Time) (bool, error)
	Revoke(ctx context.Context, id uint) error
	// DeleteExpiredBefore 删除过期时间早于 before 的链接，返回删除的数量。
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

type downloadTokenRepository struct {
	db *gorm.DB
}

// NewDownloadTokenRepository 创建一个新的 DownloadTokenRepository 实例。
func NewDownloadTokenRepository(db *gorm.DB) DownloadTokenRepository {
	return &downloadTokenRepository{db: db}
}

func (r *downloadTokenRepository) Create(ctx context.Context, token *model.DownloadToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *downloadTokenRepository) FindByHash(ctx context.Context, hash string) (*model.DownloadToken, error) {
	var token model.DownloadToken
	if err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *downloadTokenRepository) FindByID(ctx context.Context, id uint) (*model.DownloadToken, error) {
	var token model.DownloadToken
	if err := r.db.WithContext(ctx).First(&token, id).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *downloadTokenRepository) FindByFile(ctx context.Context, fileID string) ([]model.DownloadToken, error) {
	var tokens []model.DownloadToken
	err := r.db.WithContext(ctx).Where("file_id = ?", fileID).Order("id desc").Find(&tokens).Error
	return tokens, err
}

// ConsumeDownload 用一条带条件的 UPDATE 完成检查与计数，并发下载不会超过 max_downloads。
func (r *downloadTokenRepository) ConsumeDownload(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.DownloadToken{}).
		Where("id = ? AND revoked = ? AND expires_at > ? AND downloads_count < max_downloads", id, false, now).
		Updates(map[string]interface{}{
			"downloads_count": gorm.Expr("downloads_count + 1"),
			"last_used_at":    now,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *downloadTokenRepository) Revoke(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.DownloadToken{}).Where("id = ?", id).Update("revoked", true).Error
}

func (r *downloadTokenRepository) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&model.DownloadToken{})
	return res.RowsAffected, res.Error
}
