package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/observability/metrics"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	plans   plandomain.Service
	orgs    organizationdomain.Service
	gateway paymentdomain.Gateway
	outbox  billingeventdomain.Outbox
	metrics *metrics.Metrics

	staleGuard bool
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Repo    subscriptiondomain.Repository
	Plans   plandomain.Service
	Orgs    organizationdomain.Service
	Gateway paymentdomain.Gateway
	Outbox  billingeventdomain.Outbox
	Metrics *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		plans:   p.Plans,
		orgs:    p.Orgs,
		gateway: p.Gateway,
		outbox:  p.Outbox,
		metrics: p.Metrics,

		staleGuard: p.Config.StaleEventGuard,
	}
}

func (s *Service) Reconcile(ctx context.Context, tx *gorm.DB, snapshot paymentdomain.Subscription, asOf time.Time) (subscriptiondomain.Subscription, subscriptiondomain.Outcome, error) {
	if tx == nil {
		tx = s.db
	}
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	asOf = asOf.UTC()

	priceID := snapshot.PriceID()
	if priceID == "" {
		return subscriptiondomain.Subscription{}, "", fmt.Errorf("%w: %s", subscriptiondomain.ErrMissingPrice, snapshot.ID)
	}

	planRes, err := s.plans.ResolvePrice(ctx, tx, priceID)
	if err != nil {
		return subscriptiondomain.Subscription{}, "", err
	}
	if !planRes.Found {
		return subscriptiondomain.Subscription{}, "", fmt.Errorf("%w: price %s", plandomain.ErrPlanNotFound, priceID)
	}

	orgRes, err := s.orgs.Resolve(ctx, tx, snapshot.Metadata, snapshot.CustomerID)
	if err != nil {
		return subscriptiondomain.Subscription{}, "", err
	}
	if !orgRes.Found {
		return subscriptiondomain.Subscription{}, "", fmt.Errorf("%w: subscription %s customer %s",
			organizationdomain.ErrOrganizationNotFound, snapshot.ID, snapshot.CustomerID)
	}
	org := orgRes.Organization

	existing, err := s.repo.FindByOrgIDForUpdate(ctx, tx, org.ID)
	if err != nil {
		return subscriptiondomain.Subscription{}, "", err
	}

	if s.staleGuard && existing != nil && existing.LastEventAt != nil && asOf.Before(*existing.LastEventAt) {
		s.log.Info("skipping stale subscription snapshot",
			zap.String("org_id", org.ID.String()),
			zap.String("stripe_subscription_id", snapshot.ID),
			zap.Time("as_of", asOf),
			zap.Time("last_event_at", *existing.LastEventAt),
		)
		s.metrics.RecordReconcile(ctx, string(subscriptiondomain.OutcomeStale))
		return *existing, subscriptiondomain.OutcomeStale, nil
	}

	if !subscriptiondomain.KnownStatus(snapshot.Status) {
		s.log.Warn("unknown provider subscription status, treating as active",
			zap.String("stripe_subscription_id", snapshot.ID),
			zap.String("status", snapshot.Status),
		)
	}

	providerID := snapshot.ID
	desired := subscriptiondomain.Subscription{
		OrgID:                org.ID,
		PlanID:               planRes.Plan.ID,
		StripeSubscriptionID: &providerID,
		StripePriceID:        priceID,
		BillingCycle:         planRes.Cadence,
		Status:               subscriptiondomain.MapStatus(snapshot.Status),
		CurrentPeriodStart:   unixTime(snapshot.PeriodStart()),
		CurrentPeriodEnd:     unixTime(snapshot.PeriodEnd()),
		CancelAtPeriodEnd:    snapshot.CancelAtPeriodEnd,
		TrialEnd:             unixTime(snapshot.TrialEnd),
		LastEventAt:          &asOf,
	}

	if existing != nil && existing.SameState(desired) {
		// Same content from a newer event still raises the watermark so an
		// older delivery arriving later is recognised as stale.
		if existing.LastEventAt == nil || asOf.After(*existing.LastEventAt) {
			if err := s.repo.AdvanceLastEventAt(ctx, tx, existing.ID, asOf); err != nil {
				return subscriptiondomain.Subscription{}, "", err
			}
			existing.LastEventAt = &asOf
		}
		s.metrics.RecordReconcile(ctx, string(subscriptiondomain.OutcomeUnchanged))
		return *existing, subscriptiondomain.OutcomeUnchanged, nil
	}
	if existing != nil && existing.LastEventAt != nil && existing.LastEventAt.After(asOf) {
		latest := *existing.LastEventAt
		desired.LastEventAt = &latest
	}

	now := s.clock.Now()
	outcome := subscriptiondomain.OutcomeUpdated
	if existing == nil {
		outcome = subscriptiondomain.OutcomeCreated
		desired.ID = s.genID.Generate()
		desired.CreatedAt = now
	} else {
		desired.ID = existing.ID
		desired.CreatedAt = existing.CreatedAt
	}
	desired.UpdatedAt = now

	if err := s.repo.Upsert(ctx, tx, &desired); err != nil {
		return subscriptiondomain.Subscription{}, "", err
	}

	err = s.outbox.Enqueue(ctx, tx, billingeventdomain.Event{
		OrgID: org.ID,
		Type:  billingeventdomain.EventSubscriptionReconciled,
		Payload: map[string]any{
			"organization_id":        org.ID.String(),
			"organization_slug":      org.Slug,
			"subscription_id":        desired.ID.String(),
			"stripe_subscription_id": providerID,
			"plan_id":                desired.PlanID,
			"billing_cycle":          string(desired.BillingCycle),
			"status":                 string(desired.Status),
			"cancel_at_period_end":   desired.CancelAtPeriodEnd,
			"outcome":                string(outcome),
		},
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, "", err
	}

	s.metrics.RecordReconcile(ctx, string(outcome))
	s.log.Info("subscription reconciled",
		zap.String("org_id", org.ID.String()),
		zap.String("stripe_subscription_id", providerID),
		zap.String("plan_id", desired.PlanID),
		zap.String("status", string(desired.Status)),
		zap.String("outcome", string(outcome)),
		zap.String("resolved_via", string(orgRes.Via)),
	)
	return desired, outcome, nil
}

func (s *Service) GetCurrent(ctx context.Context, orgSlug string) (*subscriptiondomain.Subscription, error) {
	org, err := s.orgs.GetBySlug(ctx, orgSlug)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.FindByOrgID(ctx, s.db, org.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// Cancel either schedules cancellation at period end or cancels now. An
// immediate cancel leaves the local status to the provider's webhook.
func (s *Service) Cancel(ctx context.Context, orgSlug string, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	sub, err := s.cancellable(ctx, orgSlug)
	if err != nil {
		return nil, err
	}

	if !atPeriodEnd {
		if _, err := s.gateway.CancelSubscription(ctx, sub.ProviderID()); err != nil {
			return nil, err
		}
		s.log.Info("subscription canceled at provider",
			zap.String("org_id", sub.OrgID.String()),
			zap.String("stripe_subscription_id", sub.ProviderID()),
		)
		return sub, nil
	}

	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.ProviderID(), true); err != nil {
		return nil, err
	}
	if err := s.repo.SetCancelAtPeriodEnd(ctx, s.db, sub.ID, true, s.clock.Now()); err != nil {
		return nil, err
	}
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

func (s *Service) Resume(ctx context.Context, orgSlug string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.cancellable(ctx, orgSlug)
	if err != nil {
		return nil, err
	}
	if !sub.CancelAtPeriodEnd {
		return nil, subscriptiondomain.ErrNotScheduledToCancel
	}

	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.ProviderID(), false); err != nil {
		return nil, err
	}
	if err := s.repo.SetCancelAtPeriodEnd(ctx, s.db, sub.ID, false, s.clock.Now()); err != nil {
		return nil, err
	}
	sub.CancelAtPeriodEnd = false
	return sub, nil
}

func (s *Service) cancellable(ctx context.Context, orgSlug string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.GetCurrent(ctx, orgSlug)
	if err != nil {
		return nil, err
	}
	if sub.ProviderID() == "" {
		return nil, subscriptiondomain.ErrNoProviderSubscription
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return nil, subscriptiondomain.ErrAlreadyCanceled
	}
	return sub, nil
}

func unixTime(value int64) *time.Time {
	if value <= 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
