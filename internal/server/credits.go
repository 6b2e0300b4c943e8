package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
)

type balanceResponse struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	userID := c.Param("user_id")
	balance, err := s.creditSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

type rechargeRequest struct {
	UserID           string  `json:"user_id" binding:"required"`
	Amount           float64 `json:"amount" binding:"required"`
	PaymentReference string  `json:"payment_reference"`
}

func (s *Server) RechargeCredit(c *gin.Context) {
	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, creditdomain.ErrInvalidUser)
		return
	}

	balance, err := s.creditSvc.Recharge(c.Request.Context(), req.UserID, req.Amount, req.PaymentReference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{UserID: req.UserID, Balance: balance})
}

type consumeRequest struct {
	UserID        string  `json:"user_id" binding:"required"`
	RawCost       float64 `json:"raw_cost"`
	MarkupFactor  float64 `json:"markup_factor"`
	SourceEventID string  `json:"source_event_id"`
}

func (s *Server) ConsumeCredit(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, creditdomain.ErrInvalidUser)
		return
	}

	balance, err := s.creditSvc.Consume(c.Request.Context(), req.UserID, req.RawCost, req.MarkupFactor, req.SourceEventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{UserID: req.UserID, Balance: balance})
}

type extraUsageRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) EnableExtraUsage(c *gin.Context) {
	var req extraUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, creditdomain.ErrInvalidUser)
		return
	}

	if err := s.creditSvc.EnableExtraUsage(c.Request.Context(), req.UserID, req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetCreditTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	transactions, err := s.creditSvc.GetTransactionHistory(c.Request.Context(), creditdomain.HistoryRequest{
		UserID: c.Param("user_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}
