package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
)

var (
	ErrNoCustomer      = errors.New("organization_has_no_customer")
	ErrInvalidOrgSlug  = errors.New("invalid_organization_slug")
	ErrInvalidRedirect = errors.New("invalid_redirect_url")
)

type CheckoutRequest struct {
	OrgSlug      string
	PlanID       string
	BillingCycle string
	SuccessURL   string
	CancelURL    string
	Email        string
}

// CustomerProvisioner returns the provider customer for an organization,
// creating it when missing.
type CustomerProvisioner interface {
	EnsureCustomer(ctx context.Context, orgID snowflake.ID, email string) (string, error)
}

type Service interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (paymentdomain.Session, error)
	CreatePortalSession(ctx context.Context, orgSlug string, returnURL string) (paymentdomain.Session, error)
}
