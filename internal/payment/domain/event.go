package domain

import (
	"encoding/json"
	"time"
)

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionCanceled     = "customer.subscription.canceled"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventInvoicePaid              = "invoice.paid"
)

// Event is a verified provider notification. Object holds one of
// *CheckoutSession, *Subscription, *Invoice or *Unknown.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Raw     json.RawMessage
	Object  Object
}

type Object interface {
	ObjectType() string
}

type CheckoutSession struct {
	ID                string
	Mode              string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

func (*CheckoutSession) ObjectType() string { return "checkout.session" }

// Subscription is the provider's view of a subscription at one instant.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	TrialEnd           int64
	Metadata           map[string]string
	Items              []SubscriptionItem
}

func (*Subscription) ObjectType() string { return "subscription" }

// PriceID returns the first item's price, the only one a plan is keyed on.
func (s *Subscription) PriceID() string {
	if s == nil || len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].PriceID
}

// PeriodStart falls back to the first item's period.
func (s *Subscription) PeriodStart() int64 {
	if s.CurrentPeriodStart != 0 || len(s.Items) == 0 {
		return s.CurrentPeriodStart
	}
	return s.Items[0].CurrentPeriodStart
}

func (s *Subscription) PeriodEnd() int64 {
	if s.CurrentPeriodEnd != 0 || len(s.Items) == 0 {
		return s.CurrentPeriodEnd
	}
	return s.Items[0].CurrentPeriodEnd
}

type SubscriptionItem struct {
	ID                 string
	PriceID            string
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
}

func (*Invoice) ObjectType() string { return "invoice" }

type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u *Unknown) ObjectType() string { return u.Type }
