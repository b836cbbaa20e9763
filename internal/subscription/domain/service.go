package domain

import (
	"context"
	"errors"
	"time"

	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	"gorm.io/gorm"
)

var (
	ErrMissingPrice           = errors.New("subscription_missing_price")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrNoProviderSubscription = errors.New("subscription_not_linked")
	ErrAlreadyCanceled        = errors.New("subscription_already_canceled")
	ErrNotScheduledToCancel   = errors.New("subscription_not_scheduled_to_cancel")
)

type Service interface {
	// Reconcile applies a provider snapshot inside tx. asOf orders snapshots
	// for the stale guard.
	Reconcile(ctx context.Context, tx *gorm.DB, snapshot paymentdomain.Subscription, asOf time.Time) (Subscription, Outcome, error)
	GetCurrent(ctx context.Context, orgSlug string) (*Subscription, error)
	Cancel(ctx context.Context, orgSlug string, atPeriodEnd bool) (*Subscription, error)
	Resume(ctx context.Context, orgSlug string) (*Subscription, error)
}
