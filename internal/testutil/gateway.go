package testutil

import (
	"context"
	"sync"

	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
)

// FakeGateway is an in-memory provider. Set the *Err fields to force
// failures.
type FakeGateway struct {
	mu sync.Mutex

	Subscriptions map[string]*paymentdomain.Subscription
	NextCustomer  string

	GetErr      error
	CustomerErr error
	CheckoutErr error
	PortalErr   error
	UpdateErr   error
	CancelErr   error

	CustomerRequests []paymentdomain.CustomerRequest
	CheckoutRequests []paymentdomain.CheckoutSessionRequest
	PortalRequests   []paymentdomain.PortalSessionRequest
	Canceled         []string
	CancelFlags      map[string]bool
	GetCalls         int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Subscriptions: map[string]*paymentdomain.Subscription{},
		NextCustomer:  "cus_fake",
		CancelFlags:   map[string]bool{},
	}
}

func (g *FakeGateway) PutSubscription(sub paymentdomain.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Subscriptions[sub.ID] = &sub
}

func (g *FakeGateway) GetSubscription(_ context.Context, id string) (*paymentdomain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.GetCalls++
	if g.GetErr != nil {
		return nil, g.GetErr
	}
	sub, ok := g.Subscriptions[id]
	if !ok {
		return nil, paymentdomain.ErrProvider
	}
	copied := *sub
	return &copied, nil
}

func (g *FakeGateway) CreateCustomer(_ context.Context, req paymentdomain.CustomerRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CustomerRequests = append(g.CustomerRequests, req)
	if g.CustomerErr != nil {
		return "", g.CustomerErr
	}
	return g.NextCustomer, nil
}

func (g *FakeGateway) CreateCheckoutSession(_ context.Context, req paymentdomain.CheckoutSessionRequest) (paymentdomain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CheckoutRequests = append(g.CheckoutRequests, req)
	if g.CheckoutErr != nil {
		return paymentdomain.Session{}, g.CheckoutErr
	}
	return paymentdomain.Session{ID: "cs_fake", URL: "https://checkout.test/cs_fake"}, nil
}

func (g *FakeGateway) CreatePortalSession(_ context.Context, req paymentdomain.PortalSessionRequest) (paymentdomain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PortalRequests = append(g.PortalRequests, req)
	if g.PortalErr != nil {
		return paymentdomain.Session{}, g.PortalErr
	}
	return paymentdomain.Session{ID: "bps_fake", URL: "https://billing.test/bps_fake"}, nil
}

func (g *FakeGateway) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*paymentdomain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.UpdateErr != nil {
		return nil, g.UpdateErr
	}
	g.CancelFlags[id] = cancel
	return &paymentdomain.Subscription{ID: id, CancelAtPeriodEnd: cancel}, nil
}

func (g *FakeGateway) CancelSubscription(_ context.Context, id string) (*paymentdomain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return nil, g.CancelErr
	}
	g.Canceled = append(g.Canceled, id)
	return &paymentdomain.Subscription{ID: id, Status: "canceled"}, nil
}

func (g *FakeGateway) CustomerCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.CustomerRequests)
}
