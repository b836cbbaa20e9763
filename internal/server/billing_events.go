package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
)

func (s *Server) ListBillingEvents(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status string `form:"status"`
		Type   string `form:"type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := paymentdomain.LedgerStatus(strings.ToLower(strings.TrimSpace(query.Status)))
	switch status {
	case "", paymentdomain.LedgerStatusReceived, paymentdomain.LedgerStatusProcessed, paymentdomain.LedgerStatusFailed:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	resp, err := s.webhookSvc.ListEvents(c.Request.Context(), paymentdomain.LedgerFilter{
		Status: status,
		Type:   strings.TrimSpace(query.Type),
		Page:   query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

func (s *Server) GetBillingEvent(c *gin.Context) {
	record, err := s.webhookSvc.GetEvent(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) ReplayBillingEvent(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("event_id"))
	if err := s.webhookSvc.Replay(c.Request.Context(), eventID); err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.webhookSvc.GetEvent(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}
