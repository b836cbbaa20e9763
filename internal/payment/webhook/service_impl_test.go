package webhook_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/internal/billingevent/outbox"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/config"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	organizationrepository "github.com/smallbiznis/saasbilling/internal/organization/repository"
	organizationservice "github.com/smallbiznis/saasbilling/internal/organization/service"
	"github.com/smallbiznis/saasbilling/internal/payment/adapters/stripe"
	"github.com/smallbiznis/saasbilling/internal/payment/domain"
	"github.com/smallbiznis/saasbilling/internal/payment/repository"
	"github.com/smallbiznis/saasbilling/internal/payment/router"
	"github.com/smallbiznis/saasbilling/internal/payment/webhook"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	planrepository "github.com/smallbiznis/saasbilling/internal/plan/repository"
	planservice "github.com/smallbiznis/saasbilling/internal/plan/service"
	subscriptionrepository "github.com/smallbiznis/saasbilling/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/saasbilling/internal/subscription/service"
	"github.com/smallbiznis/saasbilling/internal/testutil"
	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const secret = "whsec_test"

type harness struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	cfg     config.Config
	org     organizationdomain.Organization
	ledger  domain.LedgerRepository
	svc     domain.WebhookService
	gateway *testutil.FakeGateway
}

func newHarness(t *testing.T, gateway domain.Gateway) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Now().UTC())
	log := zap.NewNop()
	cfg := config.Config{StaleEventGuard: true}
	cfg.Stripe.WebhookSecrets = []string{secret}

	testutil.InsertPlan(t, db, "pro", 1)
	org := testutil.InsertOrganization(t, db, node, "acme", "")

	fake := testutil.NewFakeGateway()
	if gateway == nil {
		gateway = fake
	}

	plans := planservice.NewService(planservice.Params{DB: db, Repo: planrepository.Provide(), Log: log, Config: cfg})
	orgs := organizationservice.NewService(db, organizationrepository.NewRepository(db), log, node, clk)
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Config:  cfg,
		Repo:    subscriptionrepository.Provide(),
		Plans:   plans,
		Orgs:    orgs,
		Gateway: gateway,
		Outbox:  outbox.NewOutbox(node, clk),
	})
	r := router.NewRouter(router.Params{Log: log, Clock: clk, Gateway: gateway, Subscriptions: subs})
	ledger := repository.Provide()

	svc := webhook.NewService(webhook.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Verifier: stripe.NewVerifier(cfg.Stripe.WebhookSecrets, 0),
		Parser:   stripe.NewParser(),
		Ledger:   ledger,
		Router:   r,
	})

	return &harness{db: db, node: node, clock: clk, cfg: cfg, org: org, ledger: ledger, svc: svc, gateway: fake}
}

func (h *harness) subscriptionEvent(t *testing.T, eventID, priceID string) []byte {
	return testutil.StripeEvent(t, eventID, domain.EventSubscriptionUpdated, h.clock.Now(),
		testutil.StripeSubscriptionObject("sub_1", "cus_1", "active", priceID, map[string]string{
			organizationdomain.MetadataOrganizationID: h.org.ID.String(),
		}))
}

func (h *harness) ingest(payload []byte) error {
	return h.svc.Ingest(context.Background(), payload, testutil.SignStripePayload(secret, payload))
}

func TestIngestReconcilesSubscription(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.ingest(h.subscriptionEvent(t, "evt_1", "price_pro_monthly")))

	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "plan_id = ? AND org_id = ?", "pro", h.org.ID))
	record, err := h.svc.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusProcessed, record.Status)
	assert.Equal(t, "created", record.Outcome)
	assert.NotNil(t, record.ProcessedAt)
}

// checkoutEvent completes a checkout whose subscription the handler must
// fetch from the gateway, so GetCalls counts handler runs.
func (h *harness) checkoutEvent(t *testing.T, eventID string) []byte {
	h.gateway.PutSubscription(domain.Subscription{
		ID:                 "sub_checkout",
		CustomerID:         "cus_1",
		Status:             "active",
		CurrentPeriodStart: 1767225600,
		CurrentPeriodEnd:   1769904000,
		Metadata:           map[string]string{organizationdomain.MetadataOrganizationID: h.org.ID.String()},
		Items:              []domain.SubscriptionItem{{ID: "si_1", PriceID: "price_pro_monthly"}},
	})
	return testutil.StripeEvent(t, eventID, domain.EventCheckoutSessionCompleted, h.clock.Now(), map[string]any{
		"id":           "cs_" + eventID,
		"object":       "checkout.session",
		"mode":         "subscription",
		"customer":     "cus_1",
		"subscription": "sub_checkout",
	})
}

func TestIngestDuplicateIsAcknowledgedOnce(t *testing.T) {
	h := newHarness(t, nil)
	payload := h.checkoutEvent(t, "evt_dup")

	require.NoError(t, h.ingest(payload))
	require.NoError(t, h.ingest(payload))
	require.NoError(t, h.ingest(payload))

	assert.Equal(t, 1, h.gateway.GetCalls)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "stripe_events", ""))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "org_id = ? AND status = ?", h.org.ID, "active"))
}

func TestIngestConcurrentDeliveriesRunHandlerOnce(t *testing.T) {
	h := newHarness(t, nil)
	payload := h.checkoutEvent(t, "evt_race")

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error { return h.ingest(payload) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, h.gateway.GetCalls)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "stripe_events", "status = ?", domain.LedgerStatusProcessed))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", ""))
}

func TestLateFailureWriteKeepsEventProcessed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	payload := h.checkoutEvent(t, "evt_late")

	require.NoError(t, h.ingest(payload))
	require.Equal(t, 1, h.gateway.GetCalls)

	// a losing delivery that rolled back writes its failure after the winner committed
	now := h.clock.Now()
	written, err := h.ledger.RecordFailure(ctx, h.db, domain.LedgerRecord{
		ID:        h.node.Generate(),
		EventID:   "evt_late",
		Type:      domain.EventCheckoutSessionCompleted,
		Payload:   payload,
		Status:    domain.LedgerStatusFailed,
		Message:   "provider timeout",
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, written)

	record, err := h.svc.GetEvent(ctx, "evt_late")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusProcessed, record.Status)

	require.NoError(t, h.ingest(payload))
	assert.Equal(t, 1, h.gateway.GetCalls)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	payload := h.subscriptionEvent(t, "evt_sig", "price_pro_monthly")

	err := h.svc.Ingest(context.Background(), payload, testutil.SignStripePayload("whsec_wrong", payload))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = h.svc.Ingest(context.Background(), payload, "")
	assert.ErrorIs(t, err, domain.ErrMissingSignature)

	stale := testutil.SignStripePayloadAt(secret, payload, time.Now().Add(-time.Hour))
	err = h.svc.Ingest(context.Background(), payload, stale)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	assert.Equal(t, int64(0), testutil.Count(t, h.db, "stripe_events", ""))
	assert.Equal(t, int64(0), testutil.Count(t, h.db, "subscriptions", ""))
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, nil)

	for _, payload := range [][]byte{[]byte(`{not json`), []byte(`{"type":"invoice.paid"}`)} {
		err := h.ingest(payload)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	}
	assert.Equal(t, int64(0), testutil.Count(t, h.db, "stripe_events", ""))
}

func TestIngestIgnoresUnknownType(t *testing.T) {
	h := newHarness(t, nil)
	payload := testutil.StripeEvent(t, "evt_charge", "charge.succeeded", h.clock.Now(), map[string]any{"id": "ch_1"})

	require.NoError(t, h.ingest(payload))

	record, err := h.svc.GetEvent(context.Background(), "evt_charge")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusProcessed, record.Status)
	assert.Equal(t, router.OutcomeIgnored, record.Outcome)
}

func TestIngestFailureIsRecordedAndReplayable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	err := h.ingest(h.subscriptionEvent(t, "evt_missing_plan", "price_new_monthly"))
	require.ErrorIs(t, err, domain.ErrHandlerFailed)
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)

	record, err := h.svc.GetEvent(ctx, "evt_missing_plan")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusFailed, record.Status)
	assert.Contains(t, record.Message, "plan_not_found")
	assert.Equal(t, int64(0), testutil.Count(t, h.db, "subscriptions", ""))

	testutil.InsertPlan(t, h.db, "new", 2)
	require.NoError(t, h.svc.Replay(ctx, "evt_missing_plan"))

	record, err = h.svc.GetEvent(ctx, "evt_missing_plan")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusProcessed, record.Status)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "plan_id = ?", "new"))

	assert.ErrorIs(t, h.svc.Replay(ctx, "evt_missing_plan"), domain.ErrEventProcessed)
	assert.ErrorIs(t, h.svc.Replay(ctx, "evt_nope"), domain.ErrEventNotFound)
}

func TestIngestRetryAfterFailureSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	payload := h.subscriptionEvent(t, "evt_retry", "price_later_monthly")

	require.ErrorIs(t, h.ingest(payload), domain.ErrHandlerFailed)
	testutil.InsertPlan(t, h.db, "later", 3)
	require.NoError(t, h.ingest(payload))

	record, err := h.svc.GetEvent(context.Background(), "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusProcessed, record.Status)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "stripe_events", ""))
}

type panickingGateway struct {
	*testutil.FakeGateway
}

func (panickingGateway) GetSubscription(context.Context, string) (*domain.Subscription, error) {
	panic("gateway exploded")
}

func TestIngestRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, panickingGateway{testutil.NewFakeGateway()})
	payload := testutil.StripeEvent(t, "evt_panic", domain.EventCheckoutSessionCompleted, h.clock.Now(), map[string]any{
		"id":           "cs_1",
		"object":       "checkout.session",
		"mode":         "subscription",
		"customer":     "cus_1",
		"subscription": "sub_1",
	})

	err := h.ingest(payload)
	require.ErrorIs(t, err, domain.ErrHandlerFailed)

	record, err := h.svc.GetEvent(context.Background(), "evt_panic")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerStatusFailed, record.Status)
	assert.Contains(t, record.Message, "gateway exploded")
}

func TestListEventsPaginates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		payload := testutil.StripeEvent(t, fmt.Sprintf("evt_%d", i), "charge.succeeded", h.clock.Now(), map[string]any{"id": "ch"})
		require.NoError(t, h.ingest(payload))
	}

	first, err := h.svc.ListEvents(ctx, domain.LedgerFilter{Page: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "evt_2", first.Events[0].EventID)

	second, err := h.svc.ListEvents(ctx, domain.LedgerFilter{Page: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, "evt_0", second.Events[0].EventID)

	failed, err := h.svc.ListEvents(ctx, domain.LedgerFilter{Status: domain.LedgerStatusFailed})
	require.NoError(t, err)
	assert.NotNil(t, failed.Events)
	assert.Empty(t, failed.Events)
}

func TestPurgerKeepsRecentAndFailedRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.cfg.Ledger.Retention = 24 * time.Hour

	require.NoError(t, h.ingest(testutil.StripeEvent(t, "evt_old", "charge.succeeded", h.clock.Now(), map[string]any{"id": "ch"})))
	require.ErrorIs(t, h.ingest(h.subscriptionEvent(t, "evt_old_failed", "price_unknown")), domain.ErrHandlerFailed)

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.ingest(testutil.StripeEvent(t, "evt_new", "charge.succeeded", h.clock.Now(), map[string]any{"id": "ch"})))

	purger := webhook.NewPurger(h.db, h.ledger, zap.NewNop(), h.clock, h.cfg)
	deleted, err := purger.PurgeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = h.svc.GetEvent(ctx, "evt_old")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	_, err = h.svc.GetEvent(ctx, "evt_old_failed")
	assert.NoError(t, err)
}
