// Package pipeline 定义了上传完成后的文件检查流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/storage"
	"fastdrop-go/pkg/tasks"

	"gorm.io/gorm"
)

// Processor 消费 file.ready 事件，对落盘后的文件做一次独立检查，不合格的文件被隔离。
type Processor struct {
	uploads  repository.UploadRepository
	files    service.FileService
	store    storage.BlobStore
	verifier service.Verifier
	blocked  map[string]bool
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(cfg config.PipelineConfig, uploads repository.UploadRepository, files service.FileService, store storage.BlobStore) *Processor {
	blocked := make(map[string]bool, len(cfg.BlockedExtensions))
	for _, ext := range cfg.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		blocked[ext] = true
	}
	return &Processor{
		uploads: uploads,
		files:   files,
		store:   store,
		blocked: blocked,
	}
}

// Process 是文件检查的主函数。返回错误时消息会被重新投递。
func (p *Processor) Process(ctx context.Context, task tasks.FileReadyTask) error {
	log.Infof("[Processor] 开始检查文件, FileID: %s, FileName: %s, UserID: %d", task.FileID, task.FileName, task.OwnerID)

	// 1. 确认记录仍然存在且处于 ready 状态
	file, err := p.uploads.FindByID(ctx, task.FileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Infof("[Processor] 文件记录已不存在，跳过, FileID: %s", task.FileID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("查询文件记录失败: %w", err)
	}
	if file.Status != model.FileStatusReady {
		log.Infof("[Processor] 文件状态为 %s，跳过, FileID: %s", file.Status, file.ID)
		return nil
	}

	// 2. 扩展名策略
	if ext := strings.ToLower(path.Ext(file.FileName)); p.blocked[ext] {
		return p.files.Quarantine(ctx, file.ID, "blocked extension "+ext)
	}

	// 3. 对象大小必须与声明一致
	size, err := p.store.Size(ctx, file.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return p.files.Quarantine(ctx, file.ID, "stored object missing")
	}
	if err != nil {
		return fmt.Errorf("查询对象大小失败: %w", err)
	}
	if size != file.TotalSize {
		log.Warnf("[Processor] 对象大小不符, FileID: %s, 期望: %d, 实际: %d", file.ID, file.TotalSize, size)
		return p.files.Quarantine(ctx, file.ID, fmt.Sprintf("size mismatch: %d != %d", size, file.TotalSize))
	}

	// 4. 重新计算摘要
	if file.Checksum != nil {
		rc, err := p.store.ReadStream(ctx, file.StorageKey)
		if err != nil {
			return fmt.Errorf("读取对象失败: %w", err)
		}
		err = p.verifier.Verify(rc, *file.Checksum)
		_ = rc.Close()
		if errors.Is(err, service.ErrChecksumMismatch) {
			return p.files.Quarantine(ctx, file.ID, "checksum mismatch")
		}
		if err != nil {
			return fmt.Errorf("计算摘要失败: %w", err)
		}
	}

	log.Infof("[Processor] 文件检查通过, FileID: %s", file.ID)
	return nil
}
