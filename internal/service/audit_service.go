package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/pkg/log"
)

const (
	auditQueueSize    = 1024
	auditWriteTimeout = 5 * time.Second
)

// AuditWriter 是审计记录的一个输出目标。
type AuditWriter interface {
	Write(ctx context.Context, entry *model.AuditLog) error
}

// AuditService 异步记录审计事件。写入失败只记录日志，不影响调用方的业务结果。
type AuditService interface {
	Record(action string, actorID *uint, resourceID string, metadata map[string]interface{})
	// Close 停止接收新事件，并等待已排队的事件写完。
	Close()
}

type repositoryAuditWriter struct {
	repo repository.AuditRepository
}

// NewRepositoryAuditWriter 把 AuditRepository 适配为 AuditWriter。
func NewRepositoryAuditWriter(repo repository.AuditRepository) AuditWriter {
	return repositoryAuditWriter{repo: repo}
}

func (w repositoryAuditWriter) Write(ctx context.Context, entry *model.AuditLog) error {
	// 每个输出目标各写一份，避免共享 ID 等由数据库回填的字段
	e := *entry
	return w.repo.Create(ctx, &e)
}

type auditService struct {
	writers []AuditWriter
	queue   chan *model.AuditLog
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAuditService 创建审计服务并启动后台写入 goroutine。
func NewAuditService(writers ...AuditWriter) AuditService {
	s := &auditService{
		writers: writers,
		queue:   make(chan *model.AuditLog, auditQueueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *auditService) Record(action string, actorID *uint, resourceID string, metadata map[string]interface{}) {
	entry := &model.AuditLog{
		Action:     action,
		ActorID:    actorID,
		ResourceID: resourceID,
		CreatedAt:  time.Now(),
	}
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			entry.Metadata = string(b)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		log.Warnf("[Audit] 审计服务已关闭，丢弃事件: %s %s", action, resourceID)
		return
	}
	select {
	case s.queue <- entry:
	default:
		log.Warnf("[Audit] 审计队列已满，丢弃事件: %s %s", action, resourceID)
	}
}

func (s *auditService) run() {
	defer s.wg.Done()
	for entry := range s.queue {
		for _, w := range s.writers {
			ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
			if err := w.Write(ctx, entry); err != nil {
				log.Errorf("[Audit] 写入审计记录失败, action: %s, resource: %s, error: %v", entry.Action, entry.ResourceID, err)
			}
			cancel()
		}
	}
}

func (s *auditService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func uintPtr(v uint) *uint { return &v }
