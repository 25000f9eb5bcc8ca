package repository

import (
	"context"
	"errors"

	"fastdrop-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaRepository 定义了配额账户的持久化操作。
// 所有对 used_bytes 的修改都是单条 UPDATE 语句，由数据库保证行级原子性。
type QuotaRepository interface {
	// Get 返回账户，不存在时返回不限额、已用为 0 的账户。
	Get(ctx context.Context, ownerID uint) (*model.QuotaAccount, error)
	Increment(ctx context.Context, ownerID uint, delta int64) error
	// Decrement 减少已用量，结果不会低于 0。
	Decrement(ctx context.Context, ownerID uint, delta int64) error
	SetTotal(ctx context.Context, ownerID uint, total *int64) error
	// Recalculate 按 ready 与 quarantine 文件的大小之和重算已用量，返回重算后的值。
	Recalculate(ctx context.Context, ownerID uint) (int64, error)
	// ListOwnerIDs 返回拥有配额账户或文件记录的全部用户。
	ListOwnerIDs(ctx context.Context) ([]uint, error)
}

type quotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository 创建一个新的 QuotaRepository 实例。
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &quotaRepository{db: db}
}

func (r *quotaRepository) Get(ctx context.Context, ownerID uint) (*model.QuotaAccount, error) {
	var acct model.QuotaAccount
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.QuotaAccount{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ensure 在账户不存在时创建一个不限额账户，已存在则不做任何修改。
func (r *quotaRepository) ensure(ctx context.Context, ownerID uint) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_id"}}, DoNothing: true}).
		Create(&model.QuotaAccount{OwnerID: ownerID}).Error
}

func (r *quotaRepository) Increment(ctx context.Context, ownerID uint, delta int64) error {
	if err := r.ensure(ctx, ownerID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.QuotaAccount{}).
		Where("owner_id = ?", ownerID).
		Update("used_bytes", gorm.Expr("used_bytes + ?", delta)).Error
}

func (r *quotaRepository) Decrement(ctx context.Context, ownerID uint, delta int64) error {
	return r.db.WithContext(ctx).Model(&model.QuotaAccount{}).
		Where("owner_id = ?", ownerID).
		Update("used_bytes", gorm.Expr("CASE WHEN used_bytes > ? THEN used_bytes - ? ELSE 0 END", delta, delta)).Error
}

func (r *quotaRepository) SetTotal(ctx context.Context, ownerID uint, total *int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_bytes", "updated_at"}),
		}).
		Create(&model.QuotaAccount{OwnerID: ownerID, TotalBytes: total}).Error
}

func (r *quotaRepository) Recalculate(ctx context.Context, ownerID uint) (int64, error) {
	if err := r.ensure(ctx, ownerID); err != nil {
		return 0, err
	}
	usage := r.db.Model(&model.File{}).
		Select("COALESCE(SUM(total_size), 0)").
		Where("owner_id = ? AND status IN ?", ownerID,
			[]model.FileStatus{model.FileStatusReady, model.FileStatusQuarantine})
	err := r.db.WithContext(ctx).Model(&model.QuotaAccount{}).
		Where("owner_id = ?", ownerID).
		Update("used_bytes", usage).Error
	if err != nil {
		return 0, err
	}
	acct, err := r.Get(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return acct.UsedBytes, nil
}

func (r *quotaRepository) ListOwnerIDs(ctx context.Context) ([]uint, error) {
	var fromAccounts, fromFiles []uint
	if err := r.db.WithContext(ctx).Model(&model.QuotaAccount{}).Pluck("owner_id", &fromAccounts).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&model.File{}).Distinct().Pluck("owner_id", &fromFiles).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]struct{}, len(fromAccounts)+len(fromFiles))
	owners := make([]uint, 0, len(fromAccounts)+len(fromFiles))
	for _, id := range append(fromAccounts, fromFiles...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		owners = append(owners, id)
	}
	return owners, nil
}
