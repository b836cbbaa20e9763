// Package domain contains persistence models for tenant subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
)

// SubscriptionStatus is the internal lifecycle vocabulary.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// Subscription is the single billing agreement of an organization.
type Subscription struct {
	ID                   snowflake.ID       `gorm:"primaryKey" json:"id"`
	OrgID                snowflake.ID       `gorm:"not null;uniqueIndex:ux_subscriptions_org_id" json:"org_id"`
	PlanID               string             `gorm:"type:text;not null;index" json:"plan_id"`
	StripeSubscriptionID *string            `gorm:"type:text;uniqueIndex:ux_subscriptions_stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	StripePriceID        string             `gorm:"type:text;not null;default:''" json:"stripe_price_id"`
	BillingCycle         plandomain.Cadence `gorm:"type:text;not null" json:"billing_cycle"`
	Status               SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) ProviderID() string {
	if s.StripeSubscriptionID == nil {
		return ""
	}
	return *s.StripeSubscriptionID
}

// SameState compares the fields a provider snapshot controls.
func (s Subscription) SameState(other Subscription) bool {
	return s.PlanID == other.PlanID &&
		s.ProviderID() == other.ProviderID() &&
		s.StripePriceID == other.StripePriceID &&
		s.BillingCycle == other.BillingCycle &&
		s.Status == other.Status &&
		s.CancelAtPeriodEnd == other.CancelAtPeriodEnd &&
		sameTime(s.CurrentPeriodStart, other.CurrentPeriodStart) &&
		sameTime(s.CurrentPeriodEnd, other.CurrentPeriodEnd) &&
		sameTime(s.TrialEnd, other.TrialEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
)
