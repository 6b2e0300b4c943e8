package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
	"github.com/usagegate/usagegate/internal/lock"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware translates domain errors pushed via AbortWithError
// into JSON error responses.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredit):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_credit", Message: "credit balance does not cover the charge"}
	case errors.Is(err, creditdomain.ErrInvalidRechargeAmount):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "recharge amount is not an allowed denomination"}
	case errors.Is(err, usagewindowdomain.ErrInvalidWindowType):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "unknown window type"}
	case errors.Is(err, usagewindowdomain.ErrInvalidCost),
		errors.Is(err, creditdomain.ErrInvalidCost),
		errors.Is(err, creditdomain.ErrInvalidMarkup):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "invalid amount"}
	case errors.Is(err, usagewindowdomain.ErrInvalidUser),
		errors.Is(err, creditdomain.ErrInvalidUser):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "user id is required"}
	case errors.Is(err, lock.ErrLockHeld):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "another admin operation is in progress for this user"}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "resource not found"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}
