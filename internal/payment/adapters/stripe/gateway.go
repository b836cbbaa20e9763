package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

const defaultAPITimeout = 10 * time.Second

// Gateway talks to the provider through one explicit client; nothing here
// touches stripe-go's package level key.
type Gateway struct {
	api     *client.API
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewGateway(cfg config.Config, log *zap.Logger, m *metrics.Metrics) paymentdomain.Gateway {
	log = log.Named("payment.stripe")
	if strings.TrimSpace(cfg.Stripe.SecretKey) == "" {
		log.Warn("STRIPE_SECRET_KEY is empty, outbound provider calls are disabled")
		return disabledGateway{}
	}
	return newGateway(cfg.Stripe, log, m)
}

func newGateway(cfg config.StripeConfig, log *zap.Logger, m *metrics.Metrics) *Gateway {
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	backendConfig := &stripego.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     log.Sugar(),
		MaxNetworkRetries: stripego.Int64(0),
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripego.String(strings.TrimRight(cfg.APIURL, "/"))
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendConfig)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripego.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &Gateway{
		api:     api,
		timeout: timeout,
		log:     log,
		metrics: m,
	}
}

func (g *Gateway) GetSubscription(ctx context.Context, id string) (*paymentdomain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripego.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := g.api.Subscriptions.Get(id, params)
	g.observe(ctx, "subscriptions.get", start, err)
	if err != nil {
		return nil, g.wrap("get subscription", err)
	}
	return toSubscription(sub)
}

func (g *Gateway) CreateCustomer(ctx context.Context, req paymentdomain.CustomerRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripego.CustomerParams{}
	params.Context = ctx
	if req.Email != "" {
		params.Email = stripego.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripego.String(req.Name)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	start := time.Now()
	cus, err := g.api.Customers.New(params)
	g.observe(ctx, "customers.create", start, err)
	if err != nil {
		return "", g.wrap("create customer", err)
	}
	return cus.ID, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutSessionRequest) (paymentdomain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripego.CheckoutSessionParams{
		Mode:     stripego.String(string(stripego.CheckoutSessionModeSubscription)),
		Customer: stripego.String(req.CustomerID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{
				Price:    stripego.String(req.PriceID),
				Quantity: stripego.Int64(1),
			},
		},
		SuccessURL:          stripego.String(req.SuccessURL),
		CancelURL:           stripego.String(req.CancelURL),
		AllowPromotionCodes: stripego.Bool(req.AllowPromotionCodes),
		SubscriptionData: &stripego.CheckoutSessionSubscriptionDataParams{
			Metadata: copyMetadata(req.Metadata),
		},
	}
	params.Context = ctx
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripego.String(req.ClientReferenceID)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	start := time.Now()
	session, err := g.api.CheckoutSessions.New(params)
	g.observe(ctx, "checkout_sessions.create", start, err)
	if err != nil {
		return paymentdomain.Session{}, g.wrap("create checkout session", err)
	}
	return paymentdomain.Session{ID: session.ID, URL: session.URL}, nil
}

func (g *Gateway) CreatePortalSession(ctx context.Context, req paymentdomain.PortalSessionRequest) (paymentdomain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripego.BillingPortalSessionParams{
		Customer:  stripego.String(req.CustomerID),
		ReturnURL: stripego.String(req.ReturnURL),
	}
	params.Context = ctx

	start := time.Now()
	session, err := g.api.BillingPortalSessions.New(params)
	g.observe(ctx, "billing_portal_sessions.create", start, err)
	if err != nil {
		return paymentdomain.Session{}, g.wrap("create portal session", err)
	}
	return paymentdomain.Session{ID: session.ID, URL: session.URL}, nil
}

func (g *Gateway) SetCancelAtPeriodEnd(ctx context.Context, id string, cancelAtPeriodEnd bool) (*paymentdomain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripego.SubscriptionParams{
		CancelAtPeriodEnd: stripego.Bool(cancelAtPeriodEnd),
	}
	params.Context = ctx

	start := time.Now()
	sub, err := g.api.Subscriptions.Update(id, params)
	g.observe(ctx, "subscriptions.update", start, err)
	if err != nil {
		return nil, g.wrap("update subscription", err)
	}
	return toSubscription(sub)
}

func (g *Gateway) CancelSubscription(ctx context.Context, id string) (*paymentdomain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripego.SubscriptionCancelParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := g.api.Subscriptions.Cancel(id, params)
	g.observe(ctx, "subscriptions.cancel", start, err)
	if err != nil {
		return nil, g.wrap("cancel subscription", err)
	}
	return toSubscription(sub)
}

func (g *Gateway) observe(ctx context.Context, operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	g.metrics.RecordProviderCall(ctx, operation, outcome, time.Since(start))
}

func (g *Gateway) wrap(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		g.log.Warn("provider call timed out", zap.String("operation", operation))
		return fmt.Errorf("%w: %s: %w", paymentdomain.ErrProviderTimeout, operation, err)
	}

	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		g.log.Warn("provider call failed",
			zap.String("operation", operation),
			zap.Int("status", stripeErr.HTTPStatusCode),
			zap.String("code", string(stripeErr.Code)),
			zap.String("request_id", stripeErr.RequestID),
		)
		return fmt.Errorf("%w: %s: %s", paymentdomain.ErrProvider, operation, stripeErr.Msg)
	}

	g.log.Warn("provider call failed", zap.String("operation", operation), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", paymentdomain.ErrProvider, operation, err)
}

// toSubscription re-reads the raw response so webhook payloads and API
// reads share one decoder.
func toSubscription(sub *stripego.Subscription) (*paymentdomain.Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: empty subscription response", paymentdomain.ErrProvider)
	}

	var raw []byte
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		raw = sub.LastResponse.RawJSON
	} else {
		encoded, err := json.Marshal(sub)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return DecodeSubscription(raw)
}

func copyMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}

type disabledGateway struct{}

func (disabledGateway) GetSubscription(context.Context, string) (*paymentdomain.Subscription, error) {
	return nil, paymentdomain.ErrProviderDisabled
}

func (disabledGateway) CreateCustomer(context.Context, paymentdomain.CustomerRequest) (string, error) {
	return "", paymentdomain.ErrProviderDisabled
}

func (disabledGateway) CreateCheckoutSession(context.Context, paymentdomain.CheckoutSessionRequest) (paymentdomain.Session, error) {
	return paymentdomain.Session{}, paymentdomain.ErrProviderDisabled
}

func (disabledGateway) CreatePortalSession(context.Context, paymentdomain.PortalSessionRequest) (paymentdomain.Session, error) {
	return paymentdomain.Session{}, paymentdomain.ErrProviderDisabled
}

func (disabledGateway) SetCancelAtPeriodEnd(context.Context, string, bool) (*paymentdomain.Subscription, error) {
	return nil, paymentdomain.ErrProviderDisabled
}

func (disabledGateway) CancelSubscription(context.Context, string) (*paymentdomain.Subscription, error) {
	return nil, paymentdomain.ErrProviderDisabled
}
