package handler

import (
	"net/http"
	"strconv"

	"fastdrop-go/internal/model"
	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/log"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	quotaService       service.QuotaService
	maintenanceService service.MaintenanceService
	audit              service.AuditService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(quotaService service.QuotaService, maintenanceService service.MaintenanceService, audit service.AuditService) *AdminHandler {
	return &AdminHandler{
		quotaService:       quotaService,
		maintenanceService: maintenanceService,
		audit:              audit,
	}
}

// SetQuotaRequest 定义了设置配额 API 的请求体结构。TotalBytes 与 Total 二选一，都为空表示不限额。
type SetQuotaRequest struct {
	TotalBytes *int64  `json:"totalBytes"`
	Total      *string `json:"total"` // 例如 "10GiB"
}

func parseOwnerID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("ownerId"), 10, 64)
	if err != nil || id == 0 {
		respond(c, http.StatusBadRequest, "无效的用户ID", nil)
		return 0, false
	}
	return uint(id), true
}

func quotaView(acct *model.QuotaAccount) gin.H {
	data := gin.H{
		"ownerId":    acct.OwnerID,
		"usedBytes":  acct.UsedBytes,
		"totalBytes": acct.TotalBytes,
		"used":       humanize.IBytes(uint64(acct.UsedBytes)),
	}
	if acct.TotalBytes != nil {
		data["total"] = humanize.IBytes(uint64(*acct.TotalBytes))
	}
	return data
}

// GetQuota 返回用户的配额账户。
func (h *AdminHandler) GetQuota(c *gin.Context) {
	ownerID, ok := parseOwnerID(c)
	if !ok {
		return
	}
	acct, err := h.quotaService.Get(c.Request.Context(), ownerID)
	if err != nil {
		fail(c, "GetQuota", err)
		return
	}
	respond(c, http.StatusOK, "success", quotaView(acct))
}

// SetQuota 设置用户的配额总额。
func (h *AdminHandler) SetQuota(c *gin.Context) {
	ownerID, ok := parseOwnerID(c)
	if !ok {
		return
	}
	var req SetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	total := req.TotalBytes
	if req.Total != nil {
		n, err := humanize.ParseBytes(*req.Total)
		if err != nil {
			respond(c, http.StatusBadRequest, "无效的配额大小", nil)
			return
		}
		v := int64(n)
		total = &v
	}

	if err := h.quotaService.SetTotal(c.Request.Context(), ownerID, total); err != nil {
		fail(c, "SetQuota", err)
		return
	}
	acct, err := h.quotaService.Get(c.Request.Context(), ownerID)
	if err != nil {
		fail(c, "SetQuota", err)
		return
	}

	claims := currentClaims(c)
	log.Infof("管理员 '%s' 更新了用户 %d 的配额", claims.Username, ownerID)
	h.audit.Record(model.AuditQuotaUpdate, &claims.UserID, strconv.FormatUint(uint64(ownerID), 10), map[string]interface{}{
		"totalBytes": total,
	})
	respond(c, http.StatusOK, "配额已更新", quotaView(acct))
}

// ReconcileQuotas 立即执行一次配额对账。
func (h *AdminHandler) ReconcileQuotas(c *gin.Context) {
	n, err := h.maintenanceService.ReconcileQuotas(c.Request.Context())
	if err != nil {
		fail(c, "ReconcileQuotas", err)
		return
	}
	respond(c, http.StatusOK, "配额对账完成", gin.H{"owners": n})
}
