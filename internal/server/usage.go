package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
)

type recordUsageRequest struct {
	UserID        string  `json:"user_id" binding:"required"`
	Cost          float64 `json:"cost"`
	SourceEventID string  `json:"source_event_id"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, usagewindowdomain.ErrInvalidUser)
		return
	}

	err := s.trackerSvc.RecordUsage(c.Request.Context(), req.UserID, req.Cost, req.SourceEventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetCurrentUsage(c *gin.Context) {
	usage, err := s.trackerSvc.GetCurrentUsage(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}

type resetTimeResponse struct {
	WindowType usagewindowdomain.WindowType `json:"window_type"`
	ResetAt    *time.Time                   `json:"reset_at"`
}

func (s *Server) GetResetTime(c *gin.Context) {
	window, err := usagewindowdomain.ParseWindowType(c.Query("window_type"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resetAt, err := s.trackerSvc.GetResetTime(c.Request.Context(), c.Param("user_id"), window)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resetTimeResponse{WindowType: window, ResetAt: resetAt})
}
