package router

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/saasbilling/internal/clock"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	"github.com/smallbiznis/saasbilling/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	OutcomeIgnored        = "ignored"
	OutcomeNoSubscription = "no_subscription"
)

// Result describes what a handler did with an event. Outcome is stored on
// the ledger row.
type Result struct {
	Outcome string
	Message string
}

// Handler applies one event inside tx.
type Handler func(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Gateway       domain.Gateway
	Subscriptions subscriptiondomain.Service
}

type Router struct {
	log           *zap.Logger
	clock         clock.Clock
	gateway       domain.Gateway
	subscriptions subscriptiondomain.Service
	handlers      map[string]Handler
}

func NewRouter(p Params) *Router {
	r := &Router{
		log:           p.Log.Named("payment.router"),
		clock:         p.Clock,
		gateway:       p.Gateway,
		subscriptions: p.Subscriptions,
	}
	r.handlers = map[string]Handler{
		domain.EventCheckoutSessionCompleted: r.handleCheckoutCompleted,
		domain.EventSubscriptionCreated:      r.handleSubscriptionChanged,
		domain.EventSubscriptionUpdated:      r.handleSubscriptionChanged,
		domain.EventSubscriptionDeleted:      r.handleSubscriptionDeleted,
		domain.EventSubscriptionCanceled:     r.handleSubscriptionDeleted,
		domain.EventInvoicePaymentFailed:     r.handleInvoicePaymentFailed,
		domain.EventInvoicePaid:              r.handleInvoicePaid,
	}
	return r
}

// Handles reports whether eventType has a registered handler.
func (r *Router) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// Dispatch runs the handler registered for event.Type. Unknown types are
// acknowledged without action.
func (r *Router) Dispatch(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error) {
	if event == nil {
		return Result{}, domain.ErrInvalidPayload
	}
	handler, ok := r.handlers[event.Type]
	if !ok {
		r.log.Debug("ignoring unhandled event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
		)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return handler(ctx, tx, event)
}

func (r *Router) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error) {
	session, ok := event.Object.(*domain.CheckoutSession)
	if !ok {
		return Result{}, fmt.Errorf("%w: expected checkout session", domain.ErrInvalidPayload)
	}
	if session.SubscriptionID == "" {
		r.log.Info("checkout session completed without subscription",
			zap.String("event_id", event.ID),
			zap.String("checkout_session_id", session.ID),
			zap.String("mode", session.Mode),
		)
		return Result{Outcome: OutcomeNoSubscription, Message: "checkout without subscription"}, nil
	}

	snapshot, err := r.gateway.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return Result{}, err
	}
	inheritSessionMetadata(snapshot, session)
	return r.reconcile(ctx, tx, event, *snapshot)
}

func (r *Router) handleSubscriptionChanged(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error) {
	snapshot, ok := event.Object.(*domain.Subscription)
	if !ok {
		return Result{}, fmt.Errorf("%w: expected subscription", domain.ErrInvalidPayload)
	}
	return r.reconcile(ctx, tx, event, *snapshot)
}

func (r *Router) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error) {
	snapshot, ok := event.Object.(*domain.Subscription)
	if !ok {
		return Result{}, fmt.Errorf("%w: expected subscription", domain.ErrInvalidPayload)
	}
	forced := *snapshot
	forced.Status = string(subscriptiondomain.SubscriptionStatusCanceled)
	return r.reconcile(ctx, tx, event, forced)
}

func (r *Router) handleInvoicePaymentFailed(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error) {
	snapshot, result, err := r.invoiceSubscription(ctx, event)
	if snapshot == nil || err != nil {
		return result, err
	}
	snapshot.Status = string(subscriptiondomain.SubscriptionStatusPastDue)
	return r.reconcile(ctx, tx, event, *snapshot)
}

func (r *Router) handleInvoicePaid(ctx context.Context, tx *gorm.DB, event *domain.Event) (Result, error) {
	snapshot, result, err := r.invoiceSubscription(ctx, event)
	if snapshot == nil || err != nil {
		return result, err
	}
	return r.reconcile(ctx, tx, event, *snapshot)
}

// invoiceSubscription fetches the subscription an invoice belongs to. A nil
// snapshot with a nil error means there is nothing to reconcile.
func (r *Router) invoiceSubscription(ctx context.Context, event *domain.Event) (*domain.Subscription, Result, error) {
	invoice, ok := event.Object.(*domain.Invoice)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: expected invoice", domain.ErrInvalidPayload)
	}
	if invoice.SubscriptionID == "" {
		r.log.Info("invoice without subscription",
			zap.String("event_id", event.ID),
			zap.String("invoice_id", invoice.ID),
		)
		return nil, Result{Outcome: OutcomeNoSubscription, Message: "invoice without subscription"}, nil
	}

	snapshot, err := r.gateway.GetSubscription(ctx, invoice.SubscriptionID)
	if err != nil {
		return nil, Result{}, err
	}
	if snapshot.CustomerID == "" {
		snapshot.CustomerID = invoice.CustomerID
	}
	return snapshot, Result{}, nil
}

func (r *Router) reconcile(ctx context.Context, tx *gorm.DB, event *domain.Event, snapshot domain.Subscription) (Result, error) {
	sub, outcome, err := r.subscriptions.Reconcile(ctx, tx, snapshot, r.asOf(event))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Outcome: string(outcome),
		Message: fmt.Sprintf("plan=%s status=%s", sub.PlanID, sub.Status),
	}, nil
}

// inheritSessionMetadata copies organization hints from the checkout session
// onto a subscription created without them.
func inheritSessionMetadata(snapshot *domain.Subscription, session *domain.CheckoutSession) {
	if snapshot.Metadata == nil {
		snapshot.Metadata = map[string]string{}
	}
	for _, key := range []string{organizationdomain.MetadataOrganizationID, organizationdomain.MetadataOrganizationSlug} {
		if snapshot.Metadata[key] == "" && session.Metadata[key] != "" {
			snapshot.Metadata[key] = session.Metadata[key]
		}
	}
	if snapshot.Metadata[organizationdomain.MetadataOrganizationID] == "" && session.ClientReferenceID != "" {
		snapshot.Metadata[organizationdomain.MetadataOrganizationID] = session.ClientReferenceID
	}
	if snapshot.CustomerID == "" {
		snapshot.CustomerID = session.CustomerID
	}
}

func (r *Router) asOf(event *domain.Event) time.Time {
	if event.Created.IsZero() {
		return r.clock.Now()
	}
	return event.Created.UTC()
}
