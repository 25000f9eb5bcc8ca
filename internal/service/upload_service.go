package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/pkg/lock"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/metrics"
	"fastdrop-go/pkg/storage"
	"fastdrop-go/pkg/tasks"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultChunkSize 是默认的分片大小 (5MiB)。
const DefaultChunkSize = 5 * 1024 * 1024

// UploadOptions 是上传会话的运行参数。
type UploadOptions struct {
	ChunkSize   int64
	MaxFileSize int64 // 0 表示不限制
	LockTTL     time.Duration
	LockWait    time.Duration
	CancelWait  time.Duration
	FileTTL     time.Duration // 0 表示文件不过期
}

// UploadOptionsFromConfig 从配置构造 UploadOptions。
func UploadOptionsFromConfig(cfg config.UploadConfig) (UploadOptions, error) {
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return UploadOptions{}, err
	}
	maxSize, err := cfg.MaxFileSizeBytes()
	if err != nil {
		return UploadOptions{}, err
	}
	return UploadOptions{
		ChunkSize:   chunkSize,
		MaxFileSize: maxSize,
		LockTTL:     cfg.LockTTL,
		LockWait:    cfg.LockWait,
		CancelWait:  cfg.CancelWait,
		FileTTL:     cfg.FileTTL,
	}, nil
}

// StartUploadRequest 是发起上传会话所需的信息。
type StartUploadRequest struct {
	OwnerID     uint
	FileName    string
	TotalSize   int64
	Description string
	ProjectName string
}

// Progress 是上传进度的快照。
type Progress struct {
	SessionID      string           `json:"sessionId"`
	ReceivedChunks int              `json:"receivedChunks"`
	TotalChunks    int              `json:"totalChunks"`
	Uploaded       []int            `json:"uploaded"`
	Percent        float64          `json:"percent"`
	State          model.FileStatus `json:"state"`
}

// EventPublisher 发布上传完成事件。
type EventPublisher interface {
	PublishFileReady(ctx context.Context, task tasks.FileReadyTask) error
}

type noopPublisher struct{}

func (noopPublisher) PublishFileReady(context.Context, tasks.FileReadyTask) error { return nil }

// NoopPublisher 在未配置 Kafka 时使用。
func NoopPublisher() EventPublisher { return noopPublisher{} }

// UploadService 接口定义了分片上传会话的全部操作。
type UploadService interface {
	ChunkSize() int64
	StartUpload(ctx context.Context, req StartUploadRequest) (*model.File, error)
	AcceptChunk(ctx context.Context, sessionID string, index int, r io.Reader, size int64) (*Progress, error)
	CompleteUpload(ctx context.Context, sessionID, expectedDigest string) (*model.File, error)
	// UploadDirect 把一个完整的请求体作为单次上传写入。expectedDigest 为空时以服务端计算的摘要为准。
	UploadDirect(ctx context.Context, req StartUploadRequest, r io.Reader, expectedDigest string) (*model.File, error)
	CancelUpload(ctx context.Context, sessionID string) error
	GetProgress(ctx context.Context, sessionID string) (*Progress, error)
	GetSession(ctx context.Context, sessionID string) (*model.File, error)
}

// Deps 汇总了上传与文件服务共用的依赖。
type Deps struct {
	Uploads    repository.UploadRepository
	Transactor repository.Transactor
	Quotas     QuotaService
	Store      storage.BlobStore
	Locker     lock.Locker
	Audit      AuditService
	Events     EventPublisher
	Metrics    *metrics.Metrics
}

type uploadService struct {
	uploads   repository.UploadRepository
	tx        repository.Transactor
	quotas    QuotaService
	store     storage.BlobStore
	locker    lock.Locker
	audit     AuditService
	events    EventPublisher
	metrics   *metrics.Metrics
	tracker   *ChunkTracker
	assembler *Assembler
	verifier  Verifier
	opts      UploadOptions
	now       func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(deps Deps, opts UploadOptions) UploadService {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.CancelWait <= 0 {
		opts.CancelWait = opts.LockTTL
	}
	events := deps.Events
	if events == nil {
		events = NoopPublisher()
	}
	return &uploadService{
		uploads:   deps.Uploads,
		tx:        deps.Transactor,
		quotas:    deps.Quotas,
		store:     deps.Store,
		locker:    deps.Locker,
		audit:     deps.Audit,
		events:    events,
		metrics:   deps.Metrics,
		tracker:   NewChunkTracker(deps.Store),
		assembler: NewAssembler(deps.Store),
		opts:      opts,
		now:       time.Now,
	}
}

func sessionLockName(sessionID string) string {
	return "upload:" + sessionID
}

func (s *uploadService) ChunkSize() int64 {
	return s.opts.ChunkSize
}

// GetSession 返回会话记录，不存在时返回 ErrSessionNotFound。
func (s *uploadService) GetSession(ctx context.Context, sessionID string) (*model.File, error) {
	file, err := s.uploads.FindByID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询上传会话失败: %w", err)
	}
	return file, nil
}

// StartUpload 在配额准入通过后创建一个 uploading 状态的会话，此时不会访问存储。
func (s *uploadService) StartUpload(ctx context.Context, req StartUploadRequest) (*model.File, error) {
	name := strings.TrimSpace(req.FileName)
	if name == "" || len(name) > 255 {
		return nil, fmt.Errorf("%w: file name must be 1-255 characters", ErrInvalidRequest)
	}
	if req.TotalSize < 0 {
		return nil, fmt.Errorf("%w: negative file size", ErrInvalidRequest)
	}
	if s.opts.MaxFileSize > 0 && req.TotalSize > s.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: file size %s exceeds limit %s", ErrInvalidRequest,
			humanize.IBytes(uint64(req.TotalSize)), humanize.IBytes(uint64(s.opts.MaxFileSize)))
	}

	ok, err := s.quotas.CheckAdmission(ctx, req.OwnerID, req.TotalSize)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	id := uuid.NewString()
	file := &model.File{
		ID:          id,
		OwnerID:     req.OwnerID,
		FileName:    name,
		TotalSize:   req.TotalSize,
		ChunkSize:   s.opts.ChunkSize,
		Status:      model.FileStatusUploading,
		StorageKey:  model.BuildStorageKey(req.OwnerID, id, name, s.now()),
		Description: req.Description,
		ProjectName: req.ProjectName,
	}
	if err := s.uploads.Create(ctx, file); err != nil {
		log.Errorf("[StartUpload] 创建上传会话失败, error: %v", err)
		return nil, fmt.Errorf("创建上传会话失败: %w", err)
	}

	log.Infof("[StartUpload] 上传会话已创建, SessionID: %s, 用户ID: %d, 文件: %s, 大小: %s, 分片数: %d",
		id, req.OwnerID, name, humanize.IBytes(uint64(req.TotalSize)), file.TotalChunks())
	s.metrics.SessionsStarted.Inc()
	s.audit.Record(model.AuditUploadStart, uintPtr(req.OwnerID), id, map[string]interface{}{
		"filename": name,
		"fileSize": req.TotalSize,
	})
	return file, nil
}

// AcceptChunk 写入一个分片。不加锁：不同序号的分片并发写入互不影响，同一序号以最后一次写入为准。
func (s *uploadService) AcceptChunk(ctx context.Context, sessionID string, index int, r io.Reader, size int64) (*Progress, error) {
	file, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if file.Status != model.FileStatusUploading {
		return nil, ErrSessionNotFound
	}

	total := file.TotalChunks()
	if index < 0 || index >= total {
		return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidChunk, index, total)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrInvalidChunk)
	}
	if want := file.ExpectedChunkSize(index); size != want {
		return nil, fmt.Errorf("%w: chunk %d has %d bytes, expected %d", ErrInvalidChunk, index, size, want)
	}

	if err := s.tracker.Put(ctx, sessionID, index, r, size); err != nil {
		log.Errorf("[AcceptChunk] 写入分片失败, SessionID: %s, 分片序号: %d, error: %v", sessionID, index, err)
		return nil, err
	}
	s.metrics.ChunksReceived.Inc()
	s.metrics.ChunkBytes.Add(float64(size))

	progress, err := s.progressOf(ctx, file)
	if err != nil {
		return nil, err
	}
	log.Debugf("[AcceptChunk] 分片写入成功, SessionID: %s, 分片序号: %d, 进度: %d/%d", sessionID, index, progress.ReceivedChunks, total)
	return progress, nil
}

// CompleteUpload 在会话锁内拼接、校验并落盘文件，随后在一个事务中把会话置为 ready 并提交配额。
// 校验失败时丢弃临时数据，会话保持 uploading，客户端可以重传分片后再次完成。
func (s *uploadService) CompleteUpload(ctx context.Context, sessionID, expectedDigest string) (*model.File, error) {
	return s.complete(ctx, sessionID, expectedDigest, "chunked")
}

func (s *uploadService) complete(ctx context.Context, sessionID, expectedDigest, method string) (file *model.File, err error) {
	result := "error"
	defer func() { s.metrics.Completions.WithLabelValues(result).Inc() }()

	lk, err := s.locker.Acquire(ctx, sessionLockName(sessionID), s.opts.LockTTL, s.opts.LockWait)
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			result = "lock_busy"
			log.Warnf("[CompleteUpload] 会话正被其他操作占用, SessionID: %s", sessionID)
		}
		return nil, err
	}
	defer s.releaseLock(ctx, lk)

	file, err = s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if file.Status != model.FileStatusUploading {
		result = "wrong_state"
		return nil, fmt.Errorf("%w: session is %s", ErrWrongState, file.Status)
	}
	// 格式不合法的摘要不可能与任何内容匹配，无需读取分片
	if !validDigest(expectedDigest) {
		result = "checksum_mismatch"
		return nil, fmt.Errorf("%w: checksum must be 64 hex characters", ErrChecksumMismatch)
	}

	chunks, err := s.tracker.Received(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.assembler.CheckComplete(chunks, file.TotalChunks(), file.TotalSize); err != nil {
		result = "incomplete"
		log.Warnf("[CompleteUpload] 拒绝完成请求, SessionID: %s, %v", sessionID, err)
		return nil, err
	}

	log.Infof("[CompleteUpload] 开始合并分片, SessionID: %s, 分片数: %d", sessionID, len(chunks))
	started := s.now()
	tempKey := model.TempKey(sessionID, uuid.NewString())
	h := s.verifier.NewHash()
	if err := s.assembler.Assemble(ctx, chunks, tempKey, file.TotalSize, h); err != nil {
		s.discard(ctx, tempKey)
		if errors.Is(err, ErrStorageFailure) {
			result = "storage_failure"
		}
		log.Errorf("[CompleteUpload] 合并分片失败, SessionID: %s, error: %v", sessionID, err)
		return nil, err
	}
	s.metrics.AssemblyDuration.Observe(time.Since(started).Seconds())

	digest := s.verifier.Sum(h)
	if !s.verifier.Matches(digest, expectedDigest) {
		s.discard(ctx, tempKey)
		result = "checksum_mismatch"
		log.Warnf("[CompleteUpload] 校验和不匹配, SessionID: %s, 期望: %s, 实际: %s", sessionID, expectedDigest, digest)
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, strings.ToLower(expectedDigest), digest)
	}

	// 拼接耗时可能超过锁的 TTL，落盘前确认锁仍归本次调用所有
	if held, herr := lk.Held(ctx); herr != nil || !held {
		s.discard(ctx, tempKey)
		result = "lock_busy"
		log.Warnf("[CompleteUpload] 合并期间会话锁已失效, SessionID: %s", sessionID)
		return nil, fmt.Errorf("%w: lock expired during assembly", ErrLockBusy)
	}

	if err := s.store.Move(ctx, tempKey, file.StorageKey); err != nil {
		s.discard(ctx, tempKey)
		s.discard(ctx, file.StorageKey)
		result = "storage_failure"
		log.Errorf("[CompleteUpload] 移动文件到永久位置失败, SessionID: %s, error: %v", sessionID, err)
		return nil, storageErr("move", file.StorageKey, err)
	}

	completedAt := s.now()
	var expiresAt *time.Time
	if s.opts.FileTTL > 0 {
		t := completedAt.Add(s.opts.FileTTL)
		expiresAt = &t
	}
	err = s.tx.WithinTransaction(ctx, func(uploads repository.UploadRepository, quotas repository.QuotaRepository) error {
		ok, err := uploads.MarkReady(ctx, sessionID, digest, completedAt, expiresAt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session left uploading state", ErrWrongState)
		}
		return s.quotas.WithRepository(quotas).Commit(ctx, file.OwnerID, file.TotalSize)
	})
	if err != nil {
		s.discard(ctx, file.StorageKey)
		log.Errorf("[CompleteUpload] 更新会话状态失败, SessionID: %s, error: %v", sessionID, err)
		return nil, fmt.Errorf("完成上传失败: %w", err)
	}

	if n, err := s.tracker.Purge(ctx, sessionID); err != nil {
		log.Warnf("[CompleteUpload] 清理分片失败，将由维护任务处理, SessionID: %s, 已删除: %d, error: %v", sessionID, n, err)
	}

	file.Status = model.FileStatusReady
	file.Checksum = &digest
	file.CompletedAt = &completedAt
	file.ExpiresAt = expiresAt
	result = "ok"

	log.Infof("[CompleteUpload] 上传完成, SessionID: %s, 文件: %s, 大小: %s, SHA-256: %s",
		sessionID, file.FileName, humanize.IBytes(uint64(file.TotalSize)), digest)
	s.audit.Record(model.AuditUpload, uintPtr(file.OwnerID), sessionID, map[string]interface{}{
		"checksum":      digest,
		"upload_method": method,
		"fileSize":      file.TotalSize,
		"filename":      file.FileName,
	})
	s.publishReady(ctx, file)
	return file, nil
}

// UploadDirect 复用分片流程：按分片大小切分请求体写入，再走同一套合并、校验与配额提交。
// 任一步骤失败都会取消会话，不留下分片。
func (s *uploadService) UploadDirect(ctx context.Context, req StartUploadRequest, r io.Reader, expectedDigest string) (*model.File, error) {
	if expectedDigest != "" && !validDigest(expectedDigest) {
		return nil, fmt.Errorf("%w: checksum must be 64 hex characters", ErrInvalidRequest)
	}
	file, err := s.StartUpload(ctx, req)
	if err != nil {
		return nil, err
	}

	done, err := s.writeDirect(ctx, file, r, expectedDigest)
	if err != nil {
		if cerr := s.CancelUpload(context.WithoutCancel(ctx), file.ID); cerr != nil {
			log.Warnf("[UploadDirect] 取消失败的会话出错, SessionID: %s, error: %v", file.ID, cerr)
		}
		return nil, err
	}
	return done, nil
}

func (s *uploadService) writeDirect(ctx context.Context, file *model.File, r io.Reader, expectedDigest string) (*model.File, error) {
	h := s.verifier.NewHash()
	body := &countingReader{r: io.TeeReader(r, h)}

	var written int64
	for i := 0; i < file.TotalChunks(); i++ {
		size := file.ExpectedChunkSize(i)
		if _, err := s.AcceptChunk(ctx, file.ID, i, io.LimitReader(body, size), size); err != nil {
			if body.eof && body.n < written+size {
				return nil, fmt.Errorf("%w: body has %d bytes, declared %d", ErrInvalidRequest, body.n, file.TotalSize)
			}
			return nil, err
		}
		written += size
	}
	var extra [1]byte
	if n, _ := io.ReadFull(body, extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: body is larger than declared %d bytes", ErrInvalidRequest, file.TotalSize)
	}

	if expectedDigest == "" {
		expectedDigest = s.verifier.Sum(h)
	}
	return s.complete(ctx, file.ID, expectedDigest, "direct")
}

// countingReader 记录已读取的字节数以及是否读到了结尾。
type countingReader struct {
	r   io.Reader
	n   int64
	eof bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

// CancelUpload 删除会话的全部分片与会话记录。会话不存在时直接返回成功。
// 它会等待正在进行的 CompleteUpload 结束后再执行。
func (s *uploadService) CancelUpload(ctx context.Context, sessionID string) error {
	lk, err := s.locker.Acquire(ctx, sessionLockName(sessionID), s.opts.LockTTL, s.opts.CancelWait)
	if err != nil {
		return err
	}
	defer s.releaseLock(ctx, lk)

	file, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if file.Status != model.FileStatusUploading {
		return fmt.Errorf("%w: session already %s", ErrWrongState, file.Status)
	}

	n, err := s.tracker.Purge(ctx, sessionID)
	if err != nil {
		log.Errorf("[CancelUpload] 删除分片失败, SessionID: %s, error: %v", sessionID, err)
		return err
	}
	if err := s.uploads.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("删除上传会话失败: %w", err)
	}

	log.Infof("[CancelUpload] 上传已取消, SessionID: %s, 删除分片数: %d", sessionID, n)
	s.metrics.Cancellations.Inc()
	s.audit.Record(model.AuditUploadCancel, uintPtr(file.OwnerID), sessionID, map[string]interface{}{
		"filename":       file.FileName,
		"chunks_deleted": n,
	})
	return nil
}

// GetProgress 返回会话进度的快照，不获取会话锁。
func (s *uploadService) GetProgress(ctx context.Context, sessionID string) (*Progress, error) {
	file, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.progressOf(ctx, file)
}

func (s *uploadService) progressOf(ctx context.Context, file *model.File) (*Progress, error) {
	total := file.TotalChunks()
	p := &Progress{SessionID: file.ID, TotalChunks: total, State: file.Status, Uploaded: []int{}}

	if file.Status.Finalized() {
		p.ReceivedChunks = total
		p.Percent = 100
		return p, nil
	}

	chunks, err := s.tracker.Received(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.Index < total {
			p.Uploaded = append(p.Uploaded, c.Index)
		}
	}
	p.ReceivedChunks = len(p.Uploaded)
	if total > 0 {
		p.Percent = math.Round(float64(p.ReceivedChunks)/float64(total)*10000) / 100
	}
	return p, nil
}

func (s *uploadService) publishReady(ctx context.Context, file *model.File) {
	task := tasks.FileReadyTask{
		FileID:      file.ID,
		OwnerID:     file.OwnerID,
		FileName:    file.FileName,
		StorageKey:  file.StorageKey,
		TotalSize:   file.TotalSize,
		Checksum:    *file.Checksum,
		CompletedAt: *file.CompletedAt,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.events.PublishFileReady(pubCtx, task); err != nil {
		log.Errorf("[CompleteUpload] 发布 file.ready 事件失败, FileID: %s, error: %v", file.ID, err)
	}
}

// discard 尽力删除一个对象；请求被取消后仍然执行。
func (s *uploadService) discard(ctx context.Context, key string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		log.Warnf("[Upload] 清理对象失败, key: %s, error: %v", key, err)
	}
}

func (s *uploadService) releaseLock(ctx context.Context, lk lock.Lock) {
	if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
		log.Warnf("[Upload] 释放锁失败, lock: %s, error: %v", lk.Name(), err)
	}
}
