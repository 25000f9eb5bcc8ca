package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"
	"fastdrop-go/internal/repository"
	"fastdrop-go/pkg/log"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	tokenBytes          = 32
	defaultShareTTL     = 7 * 24 * time.Hour
	defaultMaxDownloads = 1
)

// ShareOptions 是分享链接的运行参数。
type ShareOptions struct {
	DefaultTTL   time.Duration
	MaxTTL       time.Duration // 0 表示不限制
	MaxDownloads int           // 单个链接允许的最大下载次数上限，0 表示不限制
	BcryptCost   int
}

// ShareOptionsFromConfig 从配置构造 ShareOptions。
func ShareOptionsFromConfig(cfg config.ShareConfig) ShareOptions {
	return ShareOptions{
		DefaultTTL:   cfg.DefaultTTL,
		MaxTTL:       cfg.MaxTTL,
		MaxDownloads: cfg.MaxDownloads,
		BcryptCost:   cfg.BcryptCost,
	}
}

// IssueTokenRequest 是创建分享链接的参数。零值字段使用默认值。
type IssueTokenRequest struct {
	FileID       string
	ActorID      uint
	IsAdmin      bool
	TTL          time.Duration
	MaxDownloads int
	Password     string
	IPWhitelist  []string
}

// IssuedToken 包含明文 token，它只在创建时返回这一次。
type IssuedToken struct {
	Token  string               `json:"token"`
	Record *model.DownloadToken `json:"record"`
}

// TokenInfo 是公开查询分享链接时返回的信息，不包含任何敏感字段。
type TokenInfo struct {
	FileName         string    `json:"fileName"`
	FileSize         int64     `json:"fileSize"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Remaining        int       `json:"remainingDownloads"`
	RequiresPassword bool      `json:"requiresPassword"`
}

// DownloadTokenService 管理文件分享链接：创建、校验下载、撤销。
type DownloadTokenService interface {
	Issue(ctx context.Context, req IssueTokenRequest) (*IssuedToken, error)
	// Open 校验链接并返回文件内容流，成功时消耗一次下载次数。调用方负责关闭流。
	Open(ctx context.Context, plain, clientIP, password string) (*model.File, io.ReadCloser, error)
	Inspect(ctx context.Context, plain, clientIP string) (*TokenInfo, error)
	ListForFile(ctx context.Context, fileID string, actorID uint, isAdmin bool) ([]model.DownloadToken, error)
	Revoke(ctx context.Context, tokenID, actorID uint, isAdmin bool) error
}

type downloadTokenService struct {
	tokens  repository.DownloadTokenRepository
	uploads repository.UploadRepository
	files   FileService
	audit   AuditService
	opts    ShareOptions
	now     func() time.Time
}

// NewDownloadTokenService 创建一个新的 DownloadTokenService 实例。
func NewDownloadTokenService(tokens repository.DownloadTokenRepository, deps Deps, files FileService, opts ShareOptions) DownloadTokenService {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultShareTTL
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &downloadTokenService{
		tokens:  tokens,
		uploads: deps.Uploads,
		files:   files,
		audit:   deps.Audit,
		opts:    opts,
		now:     time.Now,
	}
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

func newPlainToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *downloadTokenService) ownedFile(ctx context.Context, fileID string, actorID uint, isAdmin bool) (*model.File, error) {
	file, err := s.uploads.FindByID(ctx, fileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询文件失败: %w", err)
	}
	if file.OwnerID != actorID && !isAdmin {
		return nil, ErrForbidden
	}
	return file, nil
}

func (s *downloadTokenService) Issue(ctx context.Context, req IssueTokenRequest) (*IssuedToken, error) {
	file, err := s.ownedFile(ctx, req.FileID, req.ActorID, req.IsAdmin)
	if err != nil {
		return nil, err
	}
	if file.Status != model.FileStatusReady {
		return nil, fmt.Errorf("%w: file is %s", ErrWrongState, file.Status)
	}
	now := s.now()
	if file.ExpiresAt != nil && !now.Before(*file.ExpiresAt) {
		return nil, ErrFileNotFound
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl < 0 || (s.opts.MaxTTL > 0 && ttl > s.opts.MaxTTL) {
		return nil, fmt.Errorf("%w: expiry must be between 0 and %s", ErrInvalidRequest, s.opts.MaxTTL)
	}
	maxDownloads := req.MaxDownloads
	if maxDownloads == 0 {
		maxDownloads = defaultMaxDownloads
	}
	if maxDownloads < 0 || (s.opts.MaxDownloads > 0 && maxDownloads > s.opts.MaxDownloads) {
		return nil, fmt.Errorf("%w: max downloads must be between 1 and %d", ErrInvalidRequest, s.opts.MaxDownloads)
	}
	for _, entry := range req.IPWhitelist {
		if !model.ValidIPPattern(entry) {
			return nil, fmt.Errorf("%w: invalid ip whitelist entry %q", ErrInvalidRequest, entry)
		}
	}

	plain, err := newPlainToken()
	if err != nil {
		return nil, fmt.Errorf("生成 token 失败: %w", err)
	}
	record := &model.DownloadToken{
		FileID:       file.ID,
		TokenHash:    hashToken(plain),
		ExpiresAt:    now.Add(ttl),
		MaxDownloads: maxDownloads,
		IPWhitelist:  req.IPWhitelist,
		CreatedBy:    req.ActorID,
	}
	if req.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.opts.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		h := string(hashed)
		record.PasswordHash = &h
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("创建分享链接失败: %w", err)
	}

	log.Infof("[IssueToken] 分享链接已创建, FileID: %s, TokenID: %d, 过期时间: %s, 最大下载次数: %d",
		file.ID, record.ID, record.ExpiresAt.Format(time.DateTime), maxDownloads)
	s.audit.Record(model.AuditShareCreate, uintPtr(req.ActorID), file.ID, map[string]interface{}{
		"tokenId":      record.ID,
		"maxDownloads": maxDownloads,
		"password":     record.RequiresPassword(),
		"expiresAt":    record.ExpiresAt,
	})
	return &IssuedToken{Token: plain, Record: record}, nil
}

// resolve 查找并校验链接本身，不消耗下载次数。
func (s *downloadTokenService) resolve(ctx context.Context, plain, clientIP string) (*model.DownloadToken, error) {
	if plain == "" {
		return nil, ErrTokenInvalid
	}
	tok, err := s.tokens.FindByHash(ctx, hashToken(plain))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("查询分享链接失败: %w", err)
	}
	if !tok.Active(s.now()) {
		return nil, ErrTokenInvalid
	}
	if !tok.AllowsIP(clientIP) {
		log.Warnf("[DownloadToken] 客户端地址不在白名单内, TokenID: %d, IP: %s", tok.ID, clientIP)
		return nil, ErrIPNotAllowed
	}
	return tok, nil
}

func (s *downloadTokenService) Open(ctx context.Context, plain, clientIP, password string) (*model.File, io.ReadCloser, error) {
	tok, err := s.resolve(ctx, plain, clientIP)
	if err != nil {
		return nil, nil, err
	}
	if tok.RequiresPassword() {
		if password == "" || bcrypt.CompareHashAndPassword([]byte(*tok.PasswordHash), []byte(password)) != nil {
			return nil, nil, ErrPasswordRequired
		}
	}

	file, rc, err := s.files.OpenFile(ctx, tok.FileID, FileAccess{TokenID: tok.ID, ClientIP: clientIP})
	if err != nil {
		return nil, nil, err
	}
	// 并发下载时以条件更新为准，次数已被别人用完则放弃本次下载
	ok, err := s.tokens.ConsumeDownload(ctx, tok.ID, s.now())
	if err != nil || !ok {
		_ = rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("更新下载次数失败: %w", err)
		}
		return nil, nil, ErrTokenInvalid
	}
	log.Infof("[DownloadToken] 分享下载, TokenID: %d, FileID: %s, IP: %s, 已用: %d/%d",
		tok.ID, file.ID, clientIP, tok.DownloadsCount+1, tok.MaxDownloads)
	return file, rc, nil
}

func (s *downloadTokenService) Inspect(ctx context.Context, plain, clientIP string) (*TokenInfo, error) {
	tok, err := s.resolve(ctx, plain, clientIP)
	if err != nil {
		return nil, err
	}
	file, err := s.uploads.FindByID(ctx, tok.FileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("查询文件失败: %w", err)
	}
	if file.Status != model.FileStatusReady {
		return nil, ErrTokenInvalid
	}
	return &TokenInfo{
		FileName:         file.FileName,
		FileSize:         file.TotalSize,
		ExpiresAt:        tok.ExpiresAt,
		Remaining:        tok.Remaining(),
		RequiresPassword: tok.RequiresPassword(),
	}, nil
}

func (s *downloadTokenService) ListForFile(ctx context.Context, fileID string, actorID uint, isAdmin bool) ([]model.DownloadToken, error) {
	if _, err := s.ownedFile(ctx, fileID, actorID, isAdmin); err != nil {
		return nil, err
	}
	tokens, err := s.tokens.FindByFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("查询分享链接失败: %w", err)
	}
	return tokens, nil
}

func (s *downloadTokenService) Revoke(ctx context.Context, tokenID, actorID uint, isAdmin bool) error {
	tok, err := s.tokens.FindByID(ctx, tokenID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("查询分享链接失败: %w", err)
	}
	if tok.CreatedBy != actorID && !isAdmin {
		return ErrForbidden
	}
	if err := s.tokens.Revoke(ctx, tokenID); err != nil {
		return fmt.Errorf("撤销分享链接失败: %w", err)
	}
	log.Infof("[RevokeToken] 分享链接已撤销, TokenID: %d, FileID: %s", tokenID, tok.FileID)
	s.audit.Record(model.AuditShareRevoke, uintPtr(actorID), tok.FileID, map[string]interface{}{"tokenId": tokenID})
	return nil
}
