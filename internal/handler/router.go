package handler

import (
	"net/http"
	"time"

	"fastdrop-go/internal/middleware"
	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/metrics"
	"fastdrop-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps 汇总了注册路由所需的服务。
type RouterDeps struct {
	Uploads     service.UploadService
	Files       service.FileService
	Tokens      service.DownloadTokenService
	Quotas      service.QuotaService
	Maintenance service.MaintenanceService
	Audit       service.AuditService
	JWT         *token.JWTManager
	AdminRole   string
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	// ProgressInterval 是 WebSocket 推送进度的间隔
	ProgressInterval time.Duration
}

// NewRouter 创建 Gin 引擎并注册全部路由。
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	uploadHandler := NewUploadHandler(d.Uploads, d.AdminRole)
	fileHandler := NewFileHandler(d.Files, d.AdminRole)
	adminHandler := NewAdminHandler(d.Quotas, d.Maintenance, d.Audit)
	progressHandler := NewProgressHandler(d.Uploads, d.JWT, d.AdminRole, d.ProgressInterval)
	shareHandler := NewShareHandler(d.Tokens, d.AdminRole)

	// 分享链接公开访问，凭 token 本身鉴权
	share := r.Group("/d")
	{
		share.GET("/:token", shareHandler.Download)
		share.POST("/:token", shareHandler.Download)
		share.GET("/:token/info", shareHandler.Info)
	}

	apiV1 := r.Group("/api/v1")
	{
		// WebSocket 自行校验查询参数中的 token
		apiV1.GET("/upload/progress/:id/ws", progressHandler.Handle)

		auth := apiV1.Group("")
		auth.Use(middleware.AuthMiddleware(d.JWT))
		{
			upload := auth.Group("/upload")
			{
				upload.GET("/config", uploadHandler.GetConfig)
				upload.POST("/start", uploadHandler.StartUpload)
				upload.POST("/chunk", uploadHandler.UploadChunk)
				upload.POST("/direct", uploadHandler.UploadDirect)
				upload.POST("/complete", uploadHandler.CompleteUpload)
				upload.POST("/cancel/:id", uploadHandler.CancelUpload)
				upload.GET("/progress/:id", uploadHandler.GetProgress)
			}

			files := auth.Group("/files")
			{
				files.GET("", fileHandler.ListFiles)
				files.GET("/:id/download", fileHandler.Download)
				files.DELETE("/:id", fileHandler.DeleteFile)
				files.POST("/:id/tokens", shareHandler.Issue)
				files.GET("/:id/tokens", shareHandler.List)
			}
			auth.DELETE("/tokens/:tokenId", shareHandler.Revoke)

			admin := auth.Group("/admin")
			admin.Use(middleware.AdminAuthMiddleware(d.AdminRole))
			{
				admin.GET("/quotas/:ownerId", adminHandler.GetQuota)
				admin.PUT("/quotas/:ownerId", adminHandler.SetQuota)
				admin.POST("/quotas/reconcile", adminHandler.ReconcileQuotas)
			}
		}
	}
	return r
}
