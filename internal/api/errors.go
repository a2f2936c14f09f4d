package api

import (
	"net/http"

	"procurement-service/internal/apperr"
	"procurement-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps a domain error code to its HTTP status
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotAuthorized:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition, apperr.CodeAlreadyAccepted, apperr.CodeAlreadyRejected, apperr.CodeDuplicateInvoice:
		return http.StatusConflict
	case apperr.CodeQuotationExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// respondError writes err with the authoritative state the client reconciles from
func respondError(c *gin.Context, err error) {
	if e, ok := apperr.As(err); ok {
		body := gin.H{
			"error":   e.Code,
			"details": e.Message,
		}
		if e.State != (apperr.State{}) {
			body["state"] = e.State
		}
		c.AbortWithStatusJSON(statusFor(e.Code), body)
		return
	}

	util.GetLogger().Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "InternalError",
		"details": "internal error",
	})
}
