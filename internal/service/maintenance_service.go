package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/pkg/lock"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/metrics"
	"fastdrop-go/pkg/storage"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	maintenanceBatchSize = 100
	// sweepLockTTL 是清理临时对象时持有会话锁的时长
	sweepLockTTL = time.Minute
)

// PurgeReport 汇总一次过期清理的结果。
type PurgeReport struct {
	Files  int
	Bytes  int64
	Failed int
}

// MaintenanceService 包含配额对账、过期文件清理和废弃会话清理等后台任务。
type MaintenanceService interface {
	// ReconcileQuotas 重算所有用户的已用量，返回处理的用户数。
	ReconcileQuotas(ctx context.Context) (int, error)
	// PurgeExpired 删除 expires_at 早于 now-grace 的文件。dryRun 时只统计不删除。
	PurgeExpired(ctx context.Context, grace time.Duration, dryRun bool) (*PurgeReport, error)
	// SweepAbandoned 取消创建时间超过 maxAge 仍未完成的会话。
	SweepAbandoned(ctx context.Context, maxAge time.Duration) (int, error)
	// SweepOrphanChunks 删除会话已不存在或已完成的残留分片，以及没有合并在进行的临时对象。
	SweepOrphanChunks(ctx context.Context) (int, error)
	// PurgeAuditLogs 删除早于 now-keep 的审计记录，返回删除（dryRun 时为将要删除）的条数。
	PurgeAuditLogs(ctx context.Context, keep time.Duration, dryRun bool) (int64, error)
	// PurgeExpiredTokens 删除已过期超过 grace 的分享链接。
	PurgeExpiredTokens(ctx context.Context, grace time.Duration) (int64, error)
	// Run 按 cfg.Interval 周期执行全部任务，直到 ctx 结束。
	Run(ctx context.Context, cfg config.MaintenanceConfig)
}

// MaintenanceRepos 是维护任务直接访问的仓库。
type MaintenanceRepos struct {
	Quotas repository.QuotaRepository
	Audit  repository.AuditRepository
	Tokens repository.DownloadTokenRepository
}

type maintenanceService struct {
	uploads     repository.UploadRepository
	quotaRepo   repository.QuotaRepository
	auditRepo   repository.AuditRepository
	tokenRepo   repository.DownloadTokenRepository
	quotas      QuotaService
	files       FileService
	sessions    UploadService
	store       storage.BlobStore
	locker      lock.Locker
	metrics     *metrics.Metrics
	concurrency int
	now         func() time.Time
}

// NewMaintenanceService 创建一个新的 MaintenanceService 实例。
func NewMaintenanceService(deps Deps, repos MaintenanceRepos, files FileService, sessions UploadService, concurrency int) MaintenanceService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &maintenanceService{
		uploads:     deps.Uploads,
		quotaRepo:   repos.Quotas,
		auditRepo:   repos.Audit,
		tokenRepo:   repos.Tokens,
		quotas:      deps.Quotas,
		files:       files,
		sessions:    sessions,
		store:       deps.Store,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		concurrency: concurrency,
		now:         time.Now,
	}
}

func (s *maintenanceService) ReconcileQuotas(ctx context.Context) (int, error) {
	owners, err := s.quotaRepo.ListOwnerIDs(ctx)
	if err != nil {
		s.observe("reconcile", err)
		return 0, err
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ownerID := range owners {
		ownerID := ownerID
		g.Go(func() error {
			if _, err := s.quotas.Reconcile(gctx, ownerID); err != nil {
				log.Errorf("[Maintenance] 重算用户 %d 的配额失败: %v", ownerID, err)
				return err
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	s.observe("reconcile", err)
	log.Infof("[Maintenance] 配额对账完成, 用户数: %d/%d", done.Load(), len(owners))
	return int(done.Load()), err
}

func (s *maintenanceService) PurgeExpired(ctx context.Context, grace time.Duration, dryRun bool) (*PurgeReport, error) {
	before := s.now().Add(-grace)
	report := &PurgeReport{}
	var seen map[string]bool
	if dryRun {
		seen = make(map[string]bool)
	}

	for {
		files, err := s.uploads.FindExpired(ctx, before, maintenanceBatchSize)
		if err != nil {
			s.observe("purge", err)
			return report, err
		}
		progressed := false
		for _, f := range files {
			if dryRun {
				if seen[f.ID] {
					continue
				}
				seen[f.ID] = true
				report.Files++
				report.Bytes += f.TotalSize
				progressed = true
				log.Infof("[Maintenance] [dry-run] 将删除过期文件 %s (%s, %s)", f.ID, f.FileName, humanize.IBytes(uint64(f.TotalSize)))
				continue
			}
			if _, err := s.files.Remove(ctx, f.ID, nil, "expired"); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				log.Errorf("[Maintenance] 删除过期文件 %s 失败: %v", f.ID, err)
				continue
			}
			report.Files++
			report.Bytes += f.TotalSize
			progressed = true
		}
		// 一批全部失败时停止，避免反复处理同一批记录
		if len(files) < maintenanceBatchSize || !progressed || dryRun {
			break
		}
	}

	if !dryRun {
		s.metrics.PurgedBytes.Add(float64(report.Bytes))
	}
	s.observe("purge", nil)
	log.Infof("[Maintenance] 过期文件清理完成, 文件数: %d, 释放: %s, 失败: %d, dry-run: %t",
		report.Files, humanize.IBytes(uint64(report.Bytes)), report.Failed, dryRun)
	return report, nil
}

func (s *maintenanceService) SweepAbandoned(ctx context.Context, maxAge time.Duration) (int, error) {
	before := s.now().Add(-maxAge)
	swept := 0
	for {
		stale, err := s.uploads.FindStaleUploads(ctx, before, maintenanceBatchSize)
		if err != nil {
			s.observe("sweep_sessions", err)
			return swept, err
		}
		progressed := false
		for _, f := range stale {
			if err := s.sessions.CancelUpload(ctx, f.ID); err != nil {
				if ctx.Err() != nil {
					return swept, ctx.Err()
				}
				log.Warnf("[Maintenance] 取消废弃会话 %s 失败: %v", f.ID, err)
				continue
			}
			swept++
			progressed = true
		}
		if len(stale) < maintenanceBatchSize || !progressed {
			break
		}
	}
	s.observe("sweep_sessions", nil)
	if swept > 0 {
		log.Infof("[Maintenance] 已清理 %d 个废弃上传会话", swept)
	}
	return swept, nil
}

func (s *maintenanceService) SweepOrphanChunks(ctx context.Context) (int, error) {
	chunks, err := s.store.List(ctx, "chunks/")
	if err != nil {
		s.observe("sweep_chunks", err)
		return 0, storageErr("list", "chunks/", err)
	}
	temps, err := s.store.List(ctx, "temp/")
	if err != nil {
		s.observe("sweep_chunks", err)
		return 0, storageErr("list", "temp/", err)
	}

	var ids []string
	seen := make(map[string]bool)
	collect := func(id string, ok bool) {
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	hasChunks := make(map[string]bool)
	for _, obj := range chunks {
		id, ok := model.ParseChunkSession(obj.Key)
		hasChunks[id] = ok
		collect(id, ok)
	}
	for _, obj := range temps {
		collect(model.ParseTempSession(obj.Key))
	}
	if len(ids) == 0 {
		s.observe("sweep_chunks", nil)
		return 0, nil
	}

	statuses, err := s.uploads.FindStatuses(ctx, ids)
	if err != nil {
		s.observe("sweep_chunks", err)
		return 0, err
	}
	orphaned := func(id string) bool {
		st, ok := statuses[id]
		return !ok || st != model.FileStatusUploading
	}

	var errs []error
	deleted := 0
	for _, id := range ids {
		if !hasChunks[id] || !orphaned(id) {
			continue
		}
		n, err := storage.DeletePrefix(ctx, s.store, model.ChunkPrefix(id))
		deleted += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, obj := range temps {
		id, ok := model.ParseTempSession(obj.Key)
		if !ok || !orphaned(id) {
			continue
		}
		n, err := s.deleteTemp(ctx, id, obj.Key)
		deleted += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	s.observe("sweep_chunks", err)
	if deleted > 0 {
		log.Infof("[Maintenance] 已删除 %d 个残留分片或临时对象", deleted)
	}
	return deleted, err
}

// deleteTemp 在持有会话锁时删除临时对象；锁被占用说明合并可能仍在进行，跳过。
func (s *maintenanceService) deleteTemp(ctx context.Context, sessionID, key string) (int, error) {
	lk, err := s.locker.Acquire(ctx, sessionLockName(sessionID), sweepLockTTL, 0)
	if errors.Is(err, lock.ErrLockBusy) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("[Maintenance] 释放锁失败, lock: %s, error: %v", lk.Name(), err)
		}
	}()
	if err := s.store.Delete(ctx, key); err != nil {
		return 0, storageErr("delete", key, err)
	}
	return 1, nil
}

func (s *maintenanceService) PurgeAuditLogs(ctx context.Context, keep time.Duration, dryRun bool) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidRequest)
	}
	before := s.now().Add(-keep)
	var (
		n   int64
		err error
	)
	if dryRun {
		n, err = s.auditRepo.CountBefore(ctx, before)
	} else {
		n, err = s.auditRepo.DeleteBefore(ctx, before)
	}
	s.observe("purge_audit", err)
	if err != nil {
		return 0, fmt.Errorf("清理审计日志失败: %w", err)
	}
	log.Infof("[Maintenance] 审计日志清理完成, 截止: %s, 条数: %d, dry-run: %t", before.Format(time.DateTime), n, dryRun)
	return n, nil
}

func (s *maintenanceService) PurgeExpiredTokens(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.tokenRepo.DeleteExpiredBefore(ctx, s.now().Add(-grace))
	s.observe("purge_tokens", err)
	if err != nil {
		return 0, fmt.Errorf("清理过期分享链接失败: %w", err)
	}
	if n > 0 {
		log.Infof("[Maintenance] 已删除 %d 个过期分享链接", n)
	}
	return n, nil
}

func (s *maintenanceService) Run(ctx context.Context, cfg config.MaintenanceConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	log.Infof("[Maintenance] 后台维护任务已启动, 间隔: %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[Maintenance] 后台维护任务已停止")
			return
		case <-ticker.C:
			s.runOnce(ctx, cfg)
		}
	}
}

func (s *maintenanceService) runOnce(ctx context.Context, cfg config.MaintenanceConfig) {
	if cfg.AbandonedAfter > 0 {
		_, _ = s.SweepAbandoned(ctx, cfg.AbandonedAfter)
	}
	_, _ = s.SweepOrphanChunks(ctx)
	_, _ = s.PurgeExpired(ctx, cfg.PurgeGrace, false)
	_, _ = s.ReconcileQuotas(ctx)
	_, _ = s.PurgeExpiredTokens(ctx, cfg.PurgeGrace)
	if cfg.AuditRetention > 0 {
		_, _ = s.PurgeAuditLogs(ctx, cfg.AuditRetention, false)
	}
}

func (s *maintenanceService) observe(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.MaintenanceRuns.WithLabelValues(task, result).Inc()
}
