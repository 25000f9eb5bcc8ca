package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/pkg/lock"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/storage"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"
)

// FileService 管理已完成的文件：列表、下载、删除与隔离。
type FileService interface {
	ListFiles(ctx context.Context, ownerID uint) ([]model.File, error)
	OpenFile(ctx context.Context, fileID string, access FileAccess) (*model.File, io.ReadCloser, error)
	DeleteFile(ctx context.Context, fileID string, actorID uint, isAdmin bool) error
	// Remove 删除一个已完成的文件并释放配额，不做权限检查。reason 写入审计记录。
	Remove(ctx context.Context, fileID string, actorID *uint, reason string) (*model.File, error)
	// Quarantine 把 ready 文件置为 quarantine，文件仍占用配额。
	Quarantine(ctx context.Context, fileID, reason string) error
}

// FileAccess 描述一次下载的来源：登录用户，或已通过校验的分享链接。
type FileAccess struct {
	ActorID uint
	IsAdmin bool
	// TokenID 非零时跳过所有者检查，权限已由 DownloadTokenService 校验。
	TokenID  uint
	ClientIP string
}

// UserAccess 返回登录用户的访问描述。
func UserAccess(actorID uint, isAdmin bool) FileAccess {
	return FileAccess{ActorID: actorID, IsAdmin: isAdmin}
}

type fileService struct {
	uploads repository.UploadRepository
	tx      repository.Transactor
	quotas  QuotaService
	store   storage.BlobStore
	locker  lock.Locker
	audit   AuditService
	lockTTL time.Duration
}

// NewFileService 创建一个新的 FileService 实例。lockTTL 同时作为等待会话锁的上限。
func NewFileService(deps Deps, lockTTL time.Duration) FileService {
	return &fileService{
		uploads: deps.Uploads,
		tx:      deps.Transactor,
		quotas:  deps.Quotas,
		store:   deps.Store,
		locker:  deps.Locker,
		audit:   deps.Audit,
		lockTTL: lockTTL,
	}
}

func (s *fileService) ListFiles(ctx context.Context, ownerID uint) ([]model.File, error) {
	files, err := s.uploads.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("查询文件列表失败: %w", err)
	}
	return files, nil
}

func (s *fileService) find(ctx context.Context, fileID string) (*model.File, error) {
	file, err := s.uploads.FindByID(ctx, fileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询文件失败: %w", err)
	}
	return file, nil
}

// OpenFile 返回文件记录和内容流，调用方负责关闭流。
func (s *fileService) OpenFile(ctx context.Context, fileID string, access FileAccess) (*model.File, io.ReadCloser, error) {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if access.TokenID == 0 && file.OwnerID != access.ActorID && !access.IsAdmin {
		return nil, nil, ErrForbidden
	}
	if file.Status != model.FileStatusReady {
		return nil, nil, fmt.Errorf("%w: file is %s", ErrWrongState, file.Status)
	}
	if file.ExpiresAt != nil && !time.Now().Before(*file.ExpiresAt) {
		return nil, nil, ErrFileNotFound
	}

	rc, err := s.store.ReadStream(ctx, file.StorageKey)
	if err != nil {
		return nil, nil, storageErr("read", file.StorageKey, err)
	}
	meta := map[string]interface{}{
		"filename": file.FileName,
		"fileSize": file.TotalSize,
	}
	var actor *uint
	if access.TokenID != 0 {
		meta["tokenId"] = access.TokenID
		meta["clientIp"] = access.ClientIP
	} else {
		actor = uintPtr(access.ActorID)
	}
	s.audit.Record(model.AuditDownload, actor, file.ID, meta)
	return file, rc, nil
}

func (s *fileService) DeleteFile(ctx context.Context, fileID string, actorID uint, isAdmin bool) error {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return err
	}
	if file.OwnerID != actorID && !isAdmin {
		log.Warnf("[DeleteFile] 用户 %d 无权删除文件 %s", actorID, fileID)
		return ErrForbidden
	}
	_, err = s.Remove(ctx, fileID, uintPtr(actorID), "user")
	return err
}

func (s *fileService) Remove(ctx context.Context, fileID string, actorID *uint, reason string) (*model.File, error) {
	lk, err := s.locker.Acquire(ctx, sessionLockName(fileID), s.lockTTL, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("[RemoveFile] 释放锁失败, lock: %s, error: %v", lk.Name(), err)
		}
	}()

	file, err := s.find(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !file.Status.Finalized() {
		return nil, fmt.Errorf("%w: file is %s", ErrWrongState, file.Status)
	}

	if err := s.store.Delete(ctx, file.StorageKey); err != nil {
		log.Errorf("[RemoveFile] 删除存储对象失败, FileID: %s, key: %s, error: %v", fileID, file.StorageKey, err)
		return nil, storageErr("delete", file.StorageKey, err)
	}

	err = s.tx.WithinTransaction(ctx, func(uploads repository.UploadRepository, quotas repository.QuotaRepository) error {
		if err := uploads.Delete(ctx, fileID); err != nil {
			return err
		}
		return s.quotas.WithRepository(quotas).Release(ctx, file.OwnerID, file.TotalSize)
	})
	if err != nil {
		return nil, fmt.Errorf("删除文件记录失败: %w", err)
	}

	log.Infof("[RemoveFile] 文件已删除, FileID: %s, 文件: %s, 释放: %s, 原因: %s",
		fileID, file.FileName, humanize.IBytes(uint64(file.TotalSize)), reason)
	s.audit.Record(model.AuditDelete, actorID, fileID, map[string]interface{}{
		"filename": file.FileName,
		"fileSize": file.TotalSize,
		"reason":   reason,
	})
	return file, nil
}

func (s *fileService) Quarantine(ctx context.Context, fileID, reason string) error {
	ok, err := s.uploads.TransitionStatus(ctx, fileID, model.FileStatusReady, model.FileStatusQuarantine)
	if err != nil {
		return fmt.Errorf("隔离文件失败: %w", err)
	}
	if !ok {
		log.Infof("[Quarantine] 文件不是 ready 状态，跳过, FileID: %s", fileID)
		return nil
	}
	log.Warnf("[Quarantine] 文件已隔离, FileID: %s, 原因: %s", fileID, reason)
	s.audit.Record(model.AuditQuarantine, nil, fileID, map[string]interface{}{"reason": reason})
	return nil
}
