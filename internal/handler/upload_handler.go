package handler

import (
	"errors"
	"net/http"
	"strconv"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/service"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理所有与分片上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
	adminRole     string
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService, adminRole string) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, adminRole: adminRole}
}

// StartUploadRequest 定义了发起上传 API 的请求体结构。
type StartUploadRequest struct {
	FileName    string `json:"filename" binding:"required"`
	TotalSize   *int64 `json:"totalSize" binding:"required"`
	Description string `json:"description"`
	ProjectName string `json:"projectName"`
}

// CompleteUploadRequest 定义了完成上传 API 的请求体结构。
type CompleteUploadRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Checksum  string `json:"checksum" binding:"required"`
}

// GetConfig 返回客户端切分文件所需的参数。
func (h *UploadHandler) GetConfig(c *gin.Context) {
	respond(c, http.StatusOK, "success", gin.H{"chunkSize": h.uploadService.ChunkSize()})
}

// StartUpload 处理发起上传会话的请求。
func (h *UploadHandler) StartUpload(c *gin.Context) {
	var req StartUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	claims := currentClaims(c)

	file, err := h.uploadService.StartUpload(c.Request.Context(), service.StartUploadRequest{
		OwnerID:     claims.UserID,
		FileName:    req.FileName,
		TotalSize:   *req.TotalSize,
		Description: req.Description,
		ProjectName: req.ProjectName,
	})
	if err != nil {
		fail(c, "StartUpload", err)
		return
	}

	respond(c, http.StatusCreated, "上传会话已创建", gin.H{
		"sessionId":   file.ID,
		"chunkSize":   file.ChunkSize,
		"totalChunks": file.TotalChunks(),
	})
}

// UploadChunk 处理分片上传的请求。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	chunkIndexStr := c.PostForm("chunk_index")
	if sessionID == "" || chunkIndexStr == "" {
		respond(c, http.StatusBadRequest, "缺少必要的参数", nil)
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		respond(c, http.StatusBadRequest, "无效的分片索引", nil)
		return
	}

	chunk, header, err := c.Request.FormFile("chunk_data")
	if err != nil {
		respond(c, http.StatusBadRequest, "未能获取上传的分片", nil)
		return
	}
	defer chunk.Close()

	if _, ok := h.authorize(c, sessionID); !ok {
		return
	}

	progress, err := h.uploadService.AcceptChunk(c.Request.Context(), sessionID, chunkIndex, chunk, header.Size)
	if err != nil {
		fail(c, "UploadChunk", err)
		return
	}
	respond(c, http.StatusOK, "分片上传成功", progress)
}

// CompleteUpload 处理完成上传的请求：合并、校验并落盘。
func (h *UploadHandler) CompleteUpload(c *gin.Context) {
	var req CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	if _, ok := h.authorize(c, req.SessionID); !ok {
		return
	}

	file, err := h.uploadService.CompleteUpload(c.Request.Context(), req.SessionID, req.Checksum)
	if err != nil {
		fail(c, "CompleteUpload", err)
		return
	}
	respond(c, http.StatusOK, "文件上传完成", file)
}

// UploadDirect 处理不分片的单次上传：multipart 字段 file，可选 checksum、description、project_name。
func (h *UploadHandler) UploadDirect(c *gin.Context) {
	f, header, err := c.Request.FormFile("file")
	if err != nil {
		respond(c, http.StatusBadRequest, "未能获取上传的文件", nil)
		return
	}
	defer f.Close()
	claims := currentClaims(c)

	file, err := h.uploadService.UploadDirect(c.Request.Context(), service.StartUploadRequest{
		OwnerID:     claims.UserID,
		FileName:    header.Filename,
		TotalSize:   header.Size,
		Description: c.PostForm("description"),
		ProjectName: c.PostForm("project_name"),
	}, f, c.PostForm("checksum"))
	if err != nil {
		fail(c, "UploadDirect", err)
		return
	}
	respond(c, http.StatusCreated, "文件上传完成", file)
}

// CancelUpload 处理取消上传的请求。会话不存在时同样返回成功。
func (h *UploadHandler) CancelUpload(c *gin.Context) {
	sessionID := c.Param("id")
	file, err := h.uploadService.GetSession(c.Request.Context(), sessionID)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		respond(c, http.StatusOK, "上传已取消", nil)
		return
	case err != nil:
		fail(c, "CancelUpload", err)
		return
	case !h.owns(c, file):
		respond(c, http.StatusForbidden, "无权操作该上传会话", nil)
		return
	}

	if err := h.uploadService.CancelUpload(c.Request.Context(), sessionID); err != nil {
		fail(c, "CancelUpload", err)
		return
	}
	respond(c, http.StatusOK, "上传已取消", nil)
}

// GetProgress 处理获取上传进度的请求。
func (h *UploadHandler) GetProgress(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.authorize(c, sessionID); !ok {
		return
	}
	progress, err := h.uploadService.GetProgress(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, "GetProgress", err)
		return
	}
	respond(c, http.StatusOK, "获取上传进度成功", progress)
}

// authorize 确认会话存在且属于当前用户（管理员不受限），失败时已写出响应。
func (h *UploadHandler) authorize(c *gin.Context, sessionID string) (*model.File, bool) {
	file, err := h.uploadService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, "GetSession", err)
		return nil, false
	}
	if !h.owns(c, file) {
		respond(c, http.StatusForbidden, "无权操作该上传会话", nil)
		return nil, false
	}
	return file, true
}

func (h *UploadHandler) owns(c *gin.Context, file *model.File) bool {
	claims := currentClaims(c)
	return claims != nil && (claims.UserID == file.OwnerID || isAdmin(claims, h.adminRole))
}
