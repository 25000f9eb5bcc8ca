package handler

import (
	"io"
	"net/http"
	"strconv"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/log"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// FileHandler 负责文件列表、下载与删除。
type FileHandler struct {
	fileService service.FileService
	adminRole   string
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(fileService service.FileService, adminRole string) *FileHandler {
	return &FileHandler{fileService: fileService, adminRole: adminRole}
}

// FileView 是文件列表接口返回的单个文件。
type FileView struct {
	ID          string           `json:"id"`
	FileName    string           `json:"fileName"`
	TotalSize   int64            `json:"totalSize"`
	Size        string           `json:"size"`
	Status      model.FileStatus `json:"status"`
	Checksum    *string          `json:"checksum"`
	Description string           `json:"description,omitempty"`
	ProjectName string           `json:"projectName,omitempty"`
	CreatedAt   model.LocalTime  `json:"createdAt"`
	CompletedAt model.LocalTime  `json:"completedAt"`
	ExpiresAt   model.LocalTime  `json:"expiresAt"`
}

func newFileView(f model.File) FileView {
	return FileView{
		ID:          f.ID,
		FileName:    f.FileName,
		TotalSize:   f.TotalSize,
		Size:        humanize.IBytes(uint64(f.TotalSize)),
		Status:      f.Status,
		Checksum:    f.Checksum,
		Description: f.Description,
		ProjectName: f.ProjectName,
		CreatedAt:   model.NewLocalTime(&f.CreatedAt),
		CompletedAt: model.NewLocalTime(f.CompletedAt),
		ExpiresAt:   model.NewLocalTime(f.ExpiresAt),
	}
}

// ListFiles 返回当前用户的全部文件。
func (h *FileHandler) ListFiles(c *gin.Context) {
	claims := currentClaims(c)
	files, err := h.fileService.ListFiles(c.Request.Context(), claims.UserID)
	if err != nil {
		fail(c, "ListFiles", err)
		return
	}
	views := make([]FileView, 0, len(files))
	for _, f := range files {
		views = append(views, newFileView(f))
	}
	respond(c, http.StatusOK, "success", views)
}

// DeleteFile 删除一个已完成的文件。
func (h *FileHandler) DeleteFile(c *gin.Context) {
	claims := currentClaims(c)
	fileID := c.Param("id")
	if err := h.fileService.DeleteFile(c.Request.Context(), fileID, claims.UserID, isAdmin(claims, h.adminRole)); err != nil {
		fail(c, "DeleteFile", err)
		return
	}
	respond(c, http.StatusOK, "文件已删除", nil)
}

// Download 以附件形式返回文件内容。
func (h *FileHandler) Download(c *gin.Context) {
	claims := currentClaims(c)
	file, rc, err := h.fileService.OpenFile(c.Request.Context(), c.Param("id"), service.UserAccess(claims.UserID, isAdmin(claims, h.adminRole)))
	if err != nil {
		fail(c, "Download", err)
		return
	}
	streamFile(c, file, rc)
}

// streamFile 以附件形式写出文件内容并关闭 rc。
func streamFile(c *gin.Context, file *model.File, rc io.ReadCloser) {
	defer rc.Close()

	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(file.FileName))
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(file.TotalSize, 10))
	if file.Checksum != nil {
		c.Header("X-Checksum-Sha256", *file.Checksum)
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		log.Warnf("[Download] 传输中断, FileID: %s, error: %v", file.ID, err)
	}
}
