package domain

import "context"

type CustomerRequest struct {
	Email          string
	Name           string
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSessionRequest struct {
	CustomerID          string
	PriceID             string
	SuccessURL          string
	CancelURL           string
	ClientReferenceID   string
	Metadata            map[string]string
	AllowPromotionCodes bool
}

type PortalSessionRequest struct {
	CustomerID string
	ReturnURL  string
}

type Session struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// Gateway is the outbound side of the billing provider. Implementations
// bound every call by the configured API timeout.
type Gateway interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (Session, error)
	CreatePortalSession(ctx context.Context, req PortalSessionRequest) (Session, error)
	SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
}

// Verifier authenticates a webhook body against its signature header.
type Verifier interface {
	Verify(payload []byte, header string) error
}

type Parser interface {
	Parse(payload []byte) (*Event, error)
}
