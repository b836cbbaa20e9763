package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/saasbilling/internal/checkout/domain"
)

type checkoutSessionRequest struct {
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
	SuccessURL   string `json:"success_url"`
	CancelURL    string `json:"cancel_url"`
}

type portalSessionRequest struct {
	ReturnURL string `json:"return_url"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		AbortWithError(c, newValidationError("plan_id", "required", "plan_id is required"))
		return
	}

	email := ""
	if claims := claimsFrom(c); claims != nil {
		email = claims.Email
	}

	session, err := s.checkoutSvc.CreateCheckoutSession(c.Request.Context(), checkoutdomain.CheckoutRequest{
		OrgSlug:      strings.TrimSpace(c.Param("slug")),
		PlanID:       strings.TrimSpace(req.PlanID),
		BillingCycle: strings.TrimSpace(req.BillingCycle),
		SuccessURL:   strings.TrimSpace(req.SuccessURL),
		CancelURL:    strings.TrimSpace(req.CancelURL),
		Email:        email,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkout_url": session.URL,
		"session_id":   session.ID,
	})
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	var req portalSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.checkoutSvc.CreatePortalSession(c.Request.Context(), strings.TrimSpace(c.Param("slug")), strings.TrimSpace(req.ReturnURL))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"portal_url": session.URL,
		"session_id": session.ID,
	})
}
