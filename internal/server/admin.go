package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
)

type replaceUsageRequest struct {
	UserID     string  `json:"user_id" binding:"required"`
	WindowType string  `json:"window_type" binding:"required"`
	TargetCost float64 `json:"target_cost"`
}

// ReplaceUsage lets operators simulate a usage level without waiting for
// real traffic.
func (s *Server) ReplaceUsage(c *gin.Context) {
	var req replaceUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, usagewindowdomain.ErrInvalidUser)
		return
	}

	window, err := usagewindowdomain.ParseWindowType(req.WindowType)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.trackerSvc.ReplaceUsageForWindow(c.Request.Context(), req.UserID, window, req.TargetCost)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type clearUsageRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) ClearUsage(c *gin.Context) {
	var req clearUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, usagewindowdomain.ErrInvalidUser)
		return
	}

	if err := s.trackerSvc.ClearUsage(c.Request.Context(), req.UserID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
