package service

import (
	"context"
	"fmt"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/metrics"

	"github.com/dustin/go-humanize"
)

// QuotaService 是每个用户的存储配额账本。
//
// CheckAdmission 与 Commit 之间没有原子性：两个并发上传可能都通过准入检查，
// 随后的 Commit 也不会再检查上限，因此已用量可能短暂超过总额。ReconcileQuotas 定期纠正累计误差。
type QuotaService interface {
	CheckAdmission(ctx context.Context, ownerID uint, size int64) (bool, error)
	Commit(ctx context.Context, ownerID uint, size int64) error
	Release(ctx context.Context, ownerID uint, size int64) error
	Get(ctx context.Context, ownerID uint) (*model.QuotaAccount, error)
	SetTotal(ctx context.Context, ownerID uint, total *int64) error
	Reconcile(ctx context.Context, ownerID uint) (int64, error)
	// WithRepository 返回一个使用 repo 的账本，用于在事务中提交配额。
	WithRepository(repo repository.QuotaRepository) QuotaService
}

type quotaService struct {
	repo    repository.QuotaRepository
	metrics *metrics.Metrics
}

// NewQuotaService 创建一个新的 QuotaService 实例。
func NewQuotaService(repo repository.QuotaRepository, m *metrics.Metrics) QuotaService {
	return &quotaService{repo: repo, metrics: m}
}

func (s *quotaService) WithRepository(repo repository.QuotaRepository) QuotaService {
	return &quotaService{repo: repo, metrics: s.metrics}
}

// CheckAdmission 判断用户是否还能容纳 size 字节。没有设置总额的用户不受限制。
func (s *quotaService) CheckAdmission(ctx context.Context, ownerID uint, size int64) (bool, error) {
	acct, err := s.repo.Get(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("查询配额失败: %w", err)
	}
	if !acct.Admits(size) {
		log.Infow("[Quota] 配额不足",
			"ownerId", ownerID,
			"requested", humanize.IBytes(uint64(size)),
			"used", humanize.IBytes(uint64(acct.UsedBytes)),
			"total", humanize.IBytes(uint64(*acct.TotalBytes)),
		)
		s.metrics.QuotaRejections.Inc()
		return false, nil
	}
	return true, nil
}

// Commit 将 size 计入已用量。这里不再检查上限。
func (s *quotaService) Commit(ctx context.Context, ownerID uint, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative quota delta %d", ErrInvalidRequest, size)
	}
	if err := s.repo.Increment(ctx, ownerID, size); err != nil {
		return fmt.Errorf("提交配额失败: %w", err)
	}
	s.metrics.BytesCommitted.Add(float64(size))
	return nil
}

// Release 从已用量中扣除 size，结果不低于 0。
func (s *quotaService) Release(ctx context.Context, ownerID uint, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative quota delta %d", ErrInvalidRequest, size)
	}
	if err := s.repo.Decrement(ctx, ownerID, size); err != nil {
		return fmt.Errorf("释放配额失败: %w", err)
	}
	s.metrics.BytesReleased.Add(float64(size))
	return nil
}

func (s *quotaService) Get(ctx context.Context, ownerID uint) (*model.QuotaAccount, error) {
	return s.repo.Get(ctx, ownerID)
}

// SetTotal 设置用户的配额总额，nil 表示不限额。
func (s *quotaService) SetTotal(ctx context.Context, ownerID uint, total *int64) error {
	if total != nil && *total < 0 {
		return fmt.Errorf("%w: negative quota total", ErrInvalidRequest)
	}
	return s.repo.SetTotal(ctx, ownerID, total)
}

// Reconcile 根据用户现有文件重算已用量。
func (s *quotaService) Reconcile(ctx context.Context, ownerID uint) (int64, error) {
	before, err := s.repo.Get(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	used, err := s.repo.Recalculate(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("重算配额失败: %w", err)
	}
	if used != before.UsedBytes {
		log.Warnw("[Quota] 已用量与文件统计不一致，已修正",
			"ownerId", ownerID,
			"before", before.UsedBytes,
			"after", used,
		)
	}
	return used, nil
}
