package billingprovisioning

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/clock"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var ErrInvalidOrganization = errors.New("invalid_organization")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Orgs    organizationdomain.Repository
	Gateway paymentdomain.Gateway
	Outbox  billingeventdomain.Outbox
}

// Provisioner makes sure an organization has exactly one provider customer.
type Provisioner struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	orgs     organizationdomain.Repository
	gateway  paymentdomain.Gateway
	outbox   billingeventdomain.Outbox
	inflight singleflight.Group
}

func NewProvisioner(p Params) *Provisioner {
	return &Provisioner{
		db:      p.DB,
		log:     p.Log.Named("billing.provisioning"),
		clock:   p.Clock,
		orgs:    p.Orgs,
		gateway: p.Gateway,
		outbox:  p.Outbox,
	}
}

// EnsureCustomer returns the organization's customer id, creating it at the
// provider on first use. Concurrent callers for one organization share a
// single creation; across processes the organization row lock and the
// provider idempotency key keep it to one customer.
func (p *Provisioner) EnsureCustomer(ctx context.Context, orgID snowflake.ID, email string) (string, error) {
	if orgID == 0 {
		return "", ErrInvalidOrganization
	}

	org, err := p.orgs.FindByID(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org == nil {
		return "", organizationdomain.ErrOrganizationNotFound
	}
	if id := org.CustomerID(); id != "" {
		return id, nil
	}

	result, err, _ := p.inflight.Do(orgID.String(), func() (any, error) {
		return p.provision(ctx, orgID, email)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (p *Provisioner) provision(ctx context.Context, orgID snowflake.ID, email string) (string, error) {
	var customerID string
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := p.orgs.WithTx(tx)
		org, err := repo.LockByID(ctx, orgID)
		if err != nil {
			return err
		}
		if org == nil {
			return organizationdomain.ErrOrganizationNotFound
		}
		if id := org.CustomerID(); id != "" {
			customerID = id
			return nil
		}

		created, err := p.gateway.CreateCustomer(ctx, paymentdomain.CustomerRequest{
			Email: email,
			Name:  org.Name,
			Metadata: map[string]string{
				organizationdomain.MetadataOrganizationID:   org.ID.String(),
				organizationdomain.MetadataOrganizationSlug: org.Slug,
			},
			IdempotencyKey: "customer-" + org.ID.String(),
		})
		if err != nil {
			return err
		}

		swapped, err := repo.SetCustomerIDIfEmpty(ctx, org.ID, created, p.clock.Now())
		if err != nil {
			return err
		}
		if !swapped {
			current, err := repo.FindByID(ctx, org.ID)
			if err != nil {
				return err
			}
			if current == nil || current.CustomerID() == "" {
				return organizationdomain.ErrOrganizationNotFound
			}
			p.log.Warn("customer already linked by another writer",
				zap.String("org_id", org.ID.String()),
				zap.String("stored_customer_id", current.CustomerID()),
				zap.String("created_customer_id", created),
			)
			customerID = current.CustomerID()
			return nil
		}

		customerID = created
		return p.outbox.Enqueue(ctx, tx, billingeventdomain.Event{
			OrgID:     org.ID,
			Type:      billingeventdomain.EventCustomerProvisioned,
			DedupeKey: "customer:" + created,
			Payload: map[string]any{
				"organization_id":    org.ID.String(),
				"organization_slug":  org.Slug,
				"stripe_customer_id": created,
			},
		})
	})
	if err != nil {
		return "", err
	}

	p.log.Info("provider customer ready",
		zap.String("org_id", orgID.String()),
		zap.String("customer_id", customerID),
	)
	return customerID, nil
}
