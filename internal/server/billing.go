package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) CheckBilling(c *gin.Context) {
	result, err := s.billingSvc.Check(c.Request.Context(), c.Param("user_id"), c.Query("plan"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
