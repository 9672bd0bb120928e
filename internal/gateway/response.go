package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

// 统一响应辅助 (DRY: 所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": "conflict", "message": message}})
}

func unavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": gin.H{"code": "unavailable", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}

// apiError 按哨兵错误映射 HTTP 状态码, 未识别的错误走 500。
func apiError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, apperrors.ErrInvalidInput), errors.Is(err, apperrors.ErrMalformedEvent):
		badRequest(c, "invalid_request", err.Error())
	case errors.Is(err, apperrors.ErrDuplicate):
		conflict(c, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		unavailable(c, err.Error())
	default:
		serverError(c, err)
	}
}
