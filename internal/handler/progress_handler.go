package handler

import (
	"errors"
	"net/http"
	"time"

	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ProgressHandler 通过 WebSocket 推送上传进度。
type ProgressHandler struct {
	uploadService service.UploadService
	jwtManager    *token.JWTManager
	adminRole     string
	interval      time.Duration
}

// NewProgressHandler 创建一个新的 ProgressHandler。
func NewProgressHandler(uploadService service.UploadService, jwtManager *token.JWTManager, adminRole string, interval time.Duration) *ProgressHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressHandler{
		uploadService: uploadService,
		jwtManager:    jwtManager,
		adminRole:     adminRole,
		interval:      interval,
	}
}

type progressMessage struct {
	Type      string            `json:"type"`
	Progress  *service.Progress `json:"progress,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Handle 处理一个传入的 WebSocket 连接。浏览器无法为 WebSocket 设置请求头，token 通过查询参数传递。
func (h *ProgressHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Query("token"))
	if err != nil {
		respond(c, http.StatusUnauthorized, "无效的 token", nil)
		return
	}

	sessionID := c.Param("id")
	file, err := h.uploadService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, "ProgressStream", err)
		return
	}
	if file.OwnerID != claims.UserID && !isAdmin(claims, h.adminRole) {
		respond(c, http.StatusForbidden, "无权查看该上传会话", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[Progress] WebSocket 连接已建立, SessionID: %s, 用户ID: %d", sessionID, claims.UserID)

	// 客户端关闭连接时 ReadMessage 返回错误
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		progress, err := h.uploadService.GetProgress(c.Request.Context(), sessionID)
		msg := progressMessage{Type: "progress", Progress: progress, Timestamp: time.Now().UnixMilli()}
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			msg.Type = "cancelled"
		case err != nil:
			log.Warnf("[Progress] 查询上传进度失败, SessionID: %s, error: %v", sessionID, err)
			msg.Type = "error"
		case progress.State.Finalized():
			msg.Type = "completion"
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Warnf("[Progress] 写入 WebSocket 失败: %v", err)
			return
		}
		if msg.Type != "progress" {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg.Type))
			return
		}

		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
