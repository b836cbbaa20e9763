package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/saasbilling/internal/checkout/domain"
	"github.com/smallbiznis/saasbilling/internal/config"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Config      config.Config
	Plans       plandomain.Service
	Orgs        organizationdomain.Service
	Provisioner domain.CustomerProvisioner
	Gateway     paymentdomain.Gateway
}

type Service struct {
	log         *zap.Logger
	baseURL     string
	plans       plandomain.Service
	orgs        organizationdomain.Service
	provisioner domain.CustomerProvisioner
	gateway     paymentdomain.Gateway
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("checkout.service"),
		baseURL:     strings.TrimRight(p.Config.AppBaseURL, "/"),
		plans:       p.Plans,
		orgs:        p.Orgs,
		provisioner: p.Provisioner,
		gateway:     p.Gateway,
	}
}

func (s *Service) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (paymentdomain.Session, error) {
	cadence, ok := plandomain.ParseCadence(req.BillingCycle)
	if !ok {
		return paymentdomain.Session{}, plandomain.ErrInvalidCadence
	}

	org, err := s.organization(ctx, req.OrgSlug)
	if err != nil {
		return paymentdomain.Session{}, err
	}

	plan, err := s.plans.Get(ctx, req.PlanID)
	if err != nil {
		return paymentdomain.Session{}, err
	}
	if !plan.IsActive {
		return paymentdomain.Session{}, plandomain.ErrPlanInactive
	}
	priceID := plan.PriceFor(cadence)
	if priceID == "" {
		return paymentdomain.Session{}, fmt.Errorf("%w: plan %s has no %s price", plandomain.ErrPlanNotFound, plan.ID, cadence)
	}

	successURL, err := s.redirect(req.SuccessURL, org.Slug, "success=true")
	if err != nil {
		return paymentdomain.Session{}, err
	}
	cancelURL, err := s.redirect(req.CancelURL, org.Slug, "canceled=true")
	if err != nil {
		return paymentdomain.Session{}, err
	}

	customerID, err := s.provisioner.EnsureCustomer(ctx, org.ID, strings.TrimSpace(req.Email))
	if err != nil {
		return paymentdomain.Session{}, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, paymentdomain.CheckoutSessionRequest{
		CustomerID:        customerID,
		PriceID:           priceID,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		ClientReferenceID: org.ID.String(),
		Metadata: map[string]string{
			organizationdomain.MetadataOrganizationID:   org.ID.String(),
			organizationdomain.MetadataOrganizationSlug: org.Slug,
			"plan_id":       plan.ID,
			"billing_cycle": string(cadence),
		},
		AllowPromotionCodes: true,
	})
	if err != nil {
		return paymentdomain.Session{}, err
	}

	s.log.Info("checkout session created",
		zap.String("org_id", org.ID.String()),
		zap.String("plan_id", plan.ID),
		zap.String("billing_cycle", string(cadence)),
		zap.String("checkout_session_id", session.ID),
	)
	return session, nil
}

func (s *Service) CreatePortalSession(ctx context.Context, orgSlug string, returnURL string) (paymentdomain.Session, error) {
	org, err := s.organization(ctx, orgSlug)
	if err != nil {
		return paymentdomain.Session{}, err
	}
	customerID := org.CustomerID()
	if customerID == "" {
		return paymentdomain.Session{}, domain.ErrNoCustomer
	}

	target, err := s.redirect(returnURL, org.Slug, "")
	if err != nil {
		return paymentdomain.Session{}, err
	}

	return s.gateway.CreatePortalSession(ctx, paymentdomain.PortalSessionRequest{
		CustomerID: customerID,
		ReturnURL:  target,
	})
}

func (s *Service) organization(ctx context.Context, orgSlug string) (*organizationdomain.Organization, error) {
	orgSlug = strings.TrimSpace(orgSlug)
	if orgSlug == "" {
		return nil, domain.ErrInvalidOrgSlug
	}
	return s.orgs.GetBySlug(ctx, orgSlug)
}

// redirect returns raw when set, otherwise the organization's billing
// settings page with query appended.
func (s *Service) redirect(raw string, orgSlug string, query string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		target := fmt.Sprintf("%s/app/%s/settings/billing", s.baseURL, orgSlug)
		if query != "" {
			target += "?" + query
		}
		return target, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", domain.ErrInvalidRedirect
	}
	return raw, nil
}
