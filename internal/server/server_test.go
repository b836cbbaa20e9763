package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	redis "github.com/redis/go-redis/v9"
	checkoutdomain "github.com/smallbiznis/saasbilling/internal/checkout/domain"
	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/observability"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"github.com/smallbiznis/saasbilling/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"github.com/smallbiznis/saasbilling/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "test-jwt-secret"

type fakeWebhooks struct {
	ingestErr  error
	replayErr  error
	signature  string
	payload    []byte
	replayed   string
	lastFilter paymentdomain.LedgerFilter
	records    map[string]*paymentdomain.LedgerRecord
}

func (f *fakeWebhooks) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	f.payload = payload
	f.signature = signatureHeader
	return f.ingestErr
}

func (f *fakeWebhooks) Replay(ctx context.Context, eventID string) error {
	f.replayed = eventID
	return f.replayErr
}

func (f *fakeWebhooks) GetEvent(ctx context.Context, eventID string) (*paymentdomain.LedgerRecord, error) {
	record, ok := f.records[eventID]
	if !ok {
		return nil, paymentdomain.ErrEventNotFound
	}
	return record, nil
}

func (f *fakeWebhooks) ListEvents(ctx context.Context, filter paymentdomain.LedgerFilter) (paymentdomain.ListEventsResponse, error) {
	f.lastFilter = filter
	events := []paymentdomain.LedgerRecord{}
	for _, record := range f.records {
		events = append(events, *record)
	}
	return paymentdomain.ListEventsResponse{Events: events}, nil
}

type fakeSubscriptions struct {
	sub         *subscriptiondomain.Subscription
	err         error
	atPeriodEnd *bool
	resumed     bool
}

func (f *fakeSubscriptions) Reconcile(ctx context.Context, tx *gorm.DB, snapshot paymentdomain.Subscription, asOf time.Time) (subscriptiondomain.Subscription, subscriptiondomain.Outcome, error) {
	return subscriptiondomain.Subscription{}, "", fmt.Errorf("not used")
}

func (f *fakeSubscriptions) GetCurrent(ctx context.Context, orgSlug string) (*subscriptiondomain.Subscription, error) {
	return f.sub, f.err
}

func (f *fakeSubscriptions) Cancel(ctx context.Context, orgSlug string, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	f.atPeriodEnd = &atPeriodEnd
	return f.sub, f.err
}

func (f *fakeSubscriptions) Resume(ctx context.Context, orgSlug string) (*subscriptiondomain.Subscription, error) {
	f.resumed = true
	return f.sub, f.err
}

type fakePlans struct {
	plans []plandomain.Plan
}

func (f *fakePlans) ResolvePrice(ctx context.Context, db *gorm.DB, priceID string) (plandomain.Resolution, error) {
	return plandomain.Resolution{}, nil
}

func (f *fakePlans) Get(ctx context.Context, id string) (*plandomain.Plan, error) {
	return nil, plandomain.ErrPlanNotFound
}

func (f *fakePlans) ListActive(ctx context.Context) ([]plandomain.Plan, error) {
	return f.plans, nil
}

func (f *fakePlans) InvalidateCache(ctx context.Context) {}

type fakeCheckout struct {
	req       checkoutdomain.CheckoutRequest
	returnURL string
	err       error
}

func (f *fakeCheckout) CreateCheckoutSession(ctx context.Context, req checkoutdomain.CheckoutRequest) (paymentdomain.Session, error) {
	f.req = req
	if f.err != nil {
		return paymentdomain.Session{}, f.err
	}
	return paymentdomain.Session{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeCheckout) CreatePortalSession(ctx context.Context, orgSlug string, returnURL string) (paymentdomain.Session, error) {
	f.returnURL = returnURL
	if f.err != nil {
		return paymentdomain.Session{}, f.err
	}
	return paymentdomain.Session{ID: "bps_1", URL: "https://billing.stripe.test/p/bps_1"}, nil
}

type testServer struct {
	engine        *gin.Engine
	webhooks      *fakeWebhooks
	subscriptions *fakeSubscriptions
	plans         *fakePlans
	checkout      *fakeCheckout
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithLimiter(t, nil)
}

func newTestServerWithLimiter(t *testing.T, limiter *ratelimit.SessionLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		engine:        NewEngine(observability.Config{LogLevel: "info"}, nil),
		webhooks:      &fakeWebhooks{records: map[string]*paymentdomain.LedgerRecord{}},
		subscriptions: &fakeSubscriptions{},
		plans:         &fakePlans{},
		checkout:      &fakeCheckout{},
	}
	NewServer(ServerParams{
		Gin:             ts.engine,
		Cfg:             config.Config{AuthJWTSecret: testSecret},
		Log:             zap.NewNop(),
		PlanSvc:         ts.plans,
		SubscriptionSvc: ts.subscriptions,
		CheckoutSvc:     ts.checkout,
		WebhookSvc:      ts.webhooks,
		SessionLimiter:  limiter,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func ownerToken(t *testing.T, slug string) string {
	return signToken(t, testSecret, Claims{Org: slug, Role: RoleOwner, Email: "owner@" + slug + ".test"})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestWebhookStatusCodes(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{name: "handled", wantStatus: http.StatusOK},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, wantStatus: http.StatusBadRequest, wantType: "invalid_signature"},
		{name: "missing signature", err: paymentdomain.ErrMissingSignature, wantStatus: http.StatusBadRequest, wantType: "invalid_signature"},
		{name: "bad payload", err: paymentdomain.ErrInvalidPayload, wantStatus: http.StatusBadRequest, wantType: "invalid_payload"},
		{
			name:       "unresolved organization",
			err:        fmt.Errorf("%w: %w", paymentdomain.ErrHandlerFailed, organizationdomain.ErrOrganizationNotFound),
			wantStatus: http.StatusInternalServerError,
			wantType:   "handler_failed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.webhooks.ingestErr = tc.err

			rec := ts.do(t, http.MethodPost, "/webhooks/stripe", "", []byte(`{"id":"evt_1"}`), map[string]string{
				"Stripe-Signature": "t=1,v1=abc",
			})
			require.Equal(t, tc.wantStatus, rec.Code)
			require.Equal(t, "t=1,v1=abc", ts.webhooks.signature)
			require.JSONEq(t, `{"id":"evt_1"}`, string(ts.webhooks.payload))
			if tc.wantType != "" {
				require.Equal(t, tc.wantType, decodeError(t, rec).Type)
			}
		})
	}
}

func TestListPlansIsPublic(t *testing.T) {
	ts := newTestServer(t)
	ts.plans.plans = []plandomain.Plan{{ID: "starter", Name: "Starter"}, {ID: "pro", Name: "Pro"}}

	rec := ts.do(t, http.MethodGet, "/api/plans", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []plandomain.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	require.Equal(t, "pro", resp.Data[1].ID)
}

func TestTenantRoutesRequireMatchingOrgToken(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.sub = &subscriptiondomain.Subscription{PlanID: "pro", Status: subscriptiondomain.SubscriptionStatusActive}

	rec := ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", signToken(t, "other-secret", Claims{Org: "acme", Role: RoleOwner}), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signToken(t, testSecret, Claims{
		Org:              "acme",
		Role:             RoleOwner,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	rec = ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", expired, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", ownerToken(t, "globex"), nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	member := signToken(t, testSecret, Claims{Org: "acme", Role: "member"})
	rec = ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", member, nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin := signToken(t, testSecret, Claims{Org: "acme", Role: RoleAdmin})
	rec = ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", admin, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.err = subscriptiondomain.ErrSubscriptionNotFound

	rec := ts.do(t, http.MethodGet, "/api/organizations/acme/subscription", ownerToken(t, "acme"), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestCancelSubscriptionDefaultsToPeriodEnd(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.sub = &subscriptiondomain.Subscription{PlanID: "pro", CancelAtPeriodEnd: true}

	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/subscription/cancel", ownerToken(t, "acme"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.subscriptions.atPeriodEnd)
	require.True(t, *ts.subscriptions.atPeriodEnd)

	rec = ts.do(t, http.MethodPost, "/api/organizations/acme/subscription/cancel", ownerToken(t, "acme"), []byte(`{"cancel_at_period_end":false}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, *ts.subscriptions.atPeriodEnd)
}

func TestCancelAlreadyCanceledConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.err = subscriptiondomain.ErrAlreadyCanceled

	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/subscription/cancel", ownerToken(t, "acme"), nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResumeSubscription(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.sub = &subscriptiondomain.Subscription{PlanID: "pro"}

	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/subscription/resume", ownerToken(t, "acme"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ts.subscriptions.resumed)
}

func TestCreateCheckoutSession(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"plan_id":"pro","billing_cycle":"yearly","success_url":"https://app.test/ok"}`)
	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "cs_test_1", resp["session_id"])
	require.Equal(t, "https://checkout.stripe.test/cs_test_1", resp["checkout_url"])

	require.Equal(t, checkoutdomain.CheckoutRequest{
		OrgSlug:      "acme",
		PlanID:       "pro",
		BillingCycle: "yearly",
		SuccessURL:   "https://app.test/ok",
		Email:        "owner@acme.test",
	}, ts.checkout.req)
}

func TestCreateCheckoutSessionValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), []byte(`{"billing_cycle":"monthly"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "plan_id", decodeError(t, rec).Errors[0].Field)

	ts.checkout.err = plandomain.ErrInvalidCadence
	rec = ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), []byte(`{"plan_id":"pro","billing_cycle":"weekly"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Equal(t, "validation_error", payload.Type)
	require.Equal(t, "billing_cycle", payload.Errors[0].Field)

	ts.checkout.err = plandomain.ErrPlanNotFound
	rec = ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), []byte(`{"plan_id":"gold"}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.checkout.err = fmt.Errorf("create session: %w", paymentdomain.ErrProvider)
	rec = ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), []byte(`{"plan_id":"pro"}`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "provider_error", decodeError(t, rec).Type)
}

func TestCreatePortalSession(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/billing/portal", ownerToken(t, "acme"), []byte(`{"return_url":"https://app.test/billing"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://app.test/billing", ts.checkout.returnURL)

	ts.checkout.err = checkoutdomain.ErrNoCustomer
	rec = ts.do(t, http.MethodPost, "/api/organizations/acme/billing/portal", ownerToken(t, "acme"), nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminEventRoutesRequireStaff(t *testing.T) {
	ts := newTestServer(t)
	ts.webhooks.records["evt_1"] = &paymentdomain.LedgerRecord{EventID: "evt_1", Status: paymentdomain.LedgerStatusFailed}

	rec := ts.do(t, http.MethodGet, "/admin/billing/events", ownerToken(t, "acme"), nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	staff := signToken(t, testSecret, Claims{Role: RoleStaff, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1"}})

	rec = ts.do(t, http.MethodGet, "/admin/billing/events?status=failed&type=invoice.paid&page_size=10", staff, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, paymentdomain.LedgerStatusFailed, ts.webhooks.lastFilter.Status)
	require.Equal(t, "invoice.paid", ts.webhooks.lastFilter.Type)
	require.Equal(t, pagination.Pagination{PageSize: 10}, ts.webhooks.lastFilter.Page)

	rec = ts.do(t, http.MethodGet, "/admin/billing/events?status=bogus", staff, nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/billing/events/evt_1", staff, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/billing/events/evt_missing", staff, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplayBillingEvent(t *testing.T) {
	ts := newTestServer(t)
	ts.webhooks.records["evt_1"] = &paymentdomain.LedgerRecord{EventID: "evt_1", Status: paymentdomain.LedgerStatusProcessed}
	staff := signToken(t, testSecret, Claims{Role: RoleStaff})

	rec := ts.do(t, http.MethodPost, "/admin/billing/events/evt_1/replay", staff, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "evt_1", ts.webhooks.replayed)

	ts.webhooks.replayErr = paymentdomain.ErrEventProcessed
	rec = ts.do(t, http.MethodPost, "/admin/billing/events/evt_1/replay", staff, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	ts.webhooks.replayErr = fmt.Errorf("%w: %w", paymentdomain.ErrHandlerFailed, plandomain.ErrPlanNotFound)
	rec = ts.do(t, http.MethodPost, "/admin/billing/events/evt_1/replay", staff, nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEmptySecretRejectsTenantRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	auth := NewAuthenticator("")
	engine.GET("/api/organizations/:slug/subscription", auth.RequireOrgRole(RoleOwner), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/organizations/acme/subscription", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "some-secret", Claims{Org: "acme", Role: RoleOwner}))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutIsRateLimitedPerOrganization(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewSessionLimiter(client, config.Config{Limits: config.RateLimitConfig{
		SessionsPerMinute: 1,
		SessionBurst:      1,
		SessionLockTTL:    time.Minute,
	}}, zap.NewNop())
	ts := newTestServerWithLimiter(t, limiter)

	body := []byte(`{"plan_id":"pro","billing_cycle":"monthly"}`)
	rec := ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/organizations/acme/billing/checkout", ownerToken(t, "acme"), body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "rate_limited", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodPost, "/api/organizations/globex/billing/checkout", ownerToken(t, "globex"), body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
