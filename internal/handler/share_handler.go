package handler

import (
	"net/http"
	"strconv"
	"time"

	"fastdrop-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ShareHandler 负责分享链接的创建、撤销以及公开下载。
type ShareHandler struct {
	tokenService service.DownloadTokenService
	adminRole    string
}

// NewShareHandler 创建一个新的 ShareHandler 实例。
func NewShareHandler(tokenService service.DownloadTokenService, adminRole string) *ShareHandler {
	return &ShareHandler{tokenService: tokenService, adminRole: adminRole}
}

// IssueTokenRequest 定义了创建分享链接 API 的请求体结构。ExpiresIn 形如 "24h"，为空时使用默认值。
type IssueTokenRequest struct {
	ExpiresIn    string   `json:"expiresIn"`
	MaxDownloads int      `json:"maxDownloads"`
	Password     string   `json:"password"`
	IPWhitelist  []string `json:"ipWhitelist"`
}

// Issue 为文件创建一个分享链接，明文 token 只在此响应中出现。
func (h *ShareHandler) Issue(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			respond(c, http.StatusBadRequest, "无效的有效期", nil)
			return
		}
		ttl = d
	}
	claims := currentClaims(c)

	issued, err := h.tokenService.Issue(c.Request.Context(), service.IssueTokenRequest{
		FileID:       c.Param("id"),
		ActorID:      claims.UserID,
		IsAdmin:      isAdmin(claims, h.adminRole),
		TTL:          ttl,
		MaxDownloads: req.MaxDownloads,
		Password:     req.Password,
		IPWhitelist:  req.IPWhitelist,
	})
	if err != nil {
		fail(c, "IssueToken", err)
		return
	}
	respond(c, http.StatusCreated, "分享链接已创建", gin.H{
		"id":               issued.Record.ID,
		"token":            issued.Token,
		"url":              "/d/" + issued.Token,
		"expiresAt":        issued.Record.ExpiresAt,
		"maxDownloads":     issued.Record.MaxDownloads,
		"requiresPassword": issued.Record.RequiresPassword(),
	})
}

// List 返回文件的全部分享链接，不包含明文 token。
func (h *ShareHandler) List(c *gin.Context) {
	claims := currentClaims(c)
	tokens, err := h.tokenService.ListForFile(c.Request.Context(), c.Param("id"), claims.UserID, isAdmin(claims, h.adminRole))
	if err != nil {
		fail(c, "ListTokens", err)
		return
	}
	respond(c, http.StatusOK, "success", tokens)
}

// Revoke 撤销一个分享链接。
func (h *ShareHandler) Revoke(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("tokenId"), 10, 64)
	if err != nil || id == 0 {
		respond(c, http.StatusBadRequest, "无效的链接ID", nil)
		return
	}
	claims := currentClaims(c)
	if err := h.tokenService.Revoke(c.Request.Context(), uint(id), claims.UserID, isAdmin(claims, h.adminRole)); err != nil {
		fail(c, "RevokeToken", err)
		return
	}
	respond(c, http.StatusOK, "分享链接已撤销", nil)
}

// Info 返回分享链接指向的文件信息，不消耗下载次数。
func (h *ShareHandler) Info(c *gin.Context) {
	info, err := h.tokenService.Inspect(c.Request.Context(), c.Param("token"), c.ClientIP())
	if err != nil {
		fail(c, "TokenInfo", err)
		return
	}
	respond(c, http.StatusOK, "success", info)
}

// Download 通过分享链接下载文件。密码可放在 X-Download-Password 头、表单或查询参数 password 中。
func (h *ShareHandler) Download(c *gin.Context) {
	password := c.GetHeader("X-Download-Password")
	if password == "" {
		password = c.PostForm("password")
	}
	if password == "" {
		password = c.Query("password")
	}

	file, rc, err := h.tokenService.Open(c.Request.Context(), c.Param("token"), c.ClientIP(), password)
	if err != nil {
		fail(c, "ShareDownload", err)
		return
	}
	streamFile(c, file, rc)
}
