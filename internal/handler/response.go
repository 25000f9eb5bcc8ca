// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// lockRetryAfter 是会话锁被占用时建议客户端等待的秒数。
const lockRetryAfter = 2

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

// statusOf 把业务错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, service.ErrTokenInvalid):
		return http.StatusNotFound
	case errors.Is(err, service.ErrWrongState), errors.Is(err, service.ErrIncompleteUpload):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidChunk), errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrLockBusy):
		return http.StatusLocked
	case errors.Is(err, service.ErrPasswordRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrIPNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, service.ErrStorageFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail 写出错误响应。5xx 的内部细节只写日志，不返回给客户端。
func fail(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	switch {
	case status == http.StatusLocked:
		c.Header("Retry-After", strconv.Itoa(lockRetryAfter))
	case status >= http.StatusInternalServerError:
		log.Errorf("%s: %v", op, err)
		if status == http.StatusBadGateway {
			message = "存储服务暂时不可用"
		} else {
			message = "服务器内部错误"
		}
	default:
		log.Warnf("%s: %v", op, err)
	}
	respond(c, status, message, nil)
}

// currentClaims 返回 AuthMiddleware 写入上下文的 claims。
func currentClaims(c *gin.Context) *token.CustomClaims {
	claims, _ := c.Get("claims")
	userClaims, _ := claims.(*token.CustomClaims)
	return userClaims
}

func isAdmin(claims *token.CustomClaims, adminRole string) bool {
	return claims != nil && adminRole != "" && claims.Role == adminRole
}
