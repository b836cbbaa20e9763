package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/organization/domain"
	"github.com/smallbiznis/saasbilling/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type service struct {
	db    *gorm.DB
	repo  domain.Repository
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(db *gorm.DB, repo domain.Repository, log *zap.Logger, genID *snowflake.Node, clk clock.Clock) domain.Service {
	return &service{
		db:    db,
		repo:  repo,
		log:   log.Named("organization.service"),
		genID: genID,
		clock: clk,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (*domain.Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	orgSlug := slug.Make(strings.TrimSpace(req.Slug))
	if orgSlug == "" {
		orgSlug = slug.Make(name)
	}
	if orgSlug == "" {
		return nil, domain.ErrInvalidSlug
	}

	now := s.clock.Now()
	org := domain.Organization{
		ID:        s.genID.Generate(),
		Name:      name,
		Slug:      orgSlug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, org); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSlugTaken
		}
		return nil, err
	}
	return &org, nil
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Organization, error) {
	org, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, domain.ErrOrganizationNotFound
	}
	return org, nil
}

func (s *service) GetBySlug(ctx context.Context, orgSlug string) (*domain.Organization, error) {
	orgSlug = strings.TrimSpace(orgSlug)
	if orgSlug == "" {
		return nil, domain.ErrInvalidSlug
	}
	org, err := s.repo.FindBySlug(ctx, orgSlug)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, domain.ErrOrganizationNotFound
	}
	return org, nil
}

func (s *service) Resolve(ctx context.Context, tx *gorm.DB, metadata map[string]string, customerRef string) (domain.Resolution, error) {
	if tx == nil {
		tx = s.db
	}
	repo := s.repo.WithTx(tx)
	customerRef = strings.TrimSpace(customerRef)

	resolution, err := s.lookup(ctx, repo, metadata, customerRef)
	if err != nil || !resolution.Found {
		return resolution, err
	}

	if resolution.Organization.StripeCustomerID == nil && customerRef != "" {
		healed, err := s.linkCustomer(ctx, repo, resolution.Organization, customerRef)
		if err != nil {
			return domain.Resolution{}, err
		}
		if healed {
			resolution.Organization.StripeCustomerID = &customerRef
		}
	} else if customerRef != "" && resolution.Organization.CustomerID() != customerRef {
		s.log.Warn("event customer differs from stored customer",
			zap.String("org_id", resolution.Organization.ID.String()),
			zap.String("stored_customer_id", resolution.Organization.CustomerID()),
			zap.String("event_customer_id", customerRef),
		)
	}

	return resolution, nil
}

func (s *service) lookup(ctx context.Context, repo domain.Repository, metadata map[string]string, customerRef string) (domain.Resolution, error) {
	if raw := strings.TrimSpace(metadata[domain.MetadataOrganizationID]); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			s.log.Debug("ignoring malformed organization_id metadata", zap.String("organization_id", raw))
		} else {
			org, err := repo.FindByID(ctx, id)
			if err != nil {
				return domain.Resolution{}, err
			}
			if org != nil {
				return domain.Resolution{Found: true, Organization: *org, Via: domain.ViaOrganizationID}, nil
			}
		}
	}

	if raw := strings.TrimSpace(metadata[domain.MetadataOrganizationSlug]); raw != "" {
		org, err := repo.FindBySlug(ctx, raw)
		if err != nil {
			return domain.Resolution{}, err
		}
		if org != nil {
			return domain.Resolution{Found: true, Organization: *org, Via: domain.ViaOrganizationSlug}, nil
		}
	}

	if customerRef != "" {
		org, err := repo.FindByCustomerID(ctx, customerRef)
		if err != nil {
			return domain.Resolution{}, err
		}
		if org != nil {
			return domain.Resolution{Found: true, Organization: *org, Via: domain.ViaCustomer}, nil
		}
	}

	return domain.Resolution{}, nil
}

// linkCustomer stores customerRef on an organization that has none yet.
// A customer already owned by another organization is left alone.
func (s *service) linkCustomer(ctx context.Context, repo domain.Repository, org domain.Organization, customerRef string) (bool, error) {
	owner, err := repo.FindByCustomerID(ctx, customerRef)
	if err != nil {
		return false, err
	}
	if owner != nil && owner.ID != org.ID {
		s.log.Warn("customer already linked to another organization",
			zap.String("org_id", org.ID.String()),
			zap.String("owner_org_id", owner.ID.String()),
			zap.String("customer_id", customerRef),
		)
		return false, nil
	}

	healed, err := repo.SetCustomerIDIfEmpty(ctx, org.ID, customerRef, s.clock.Now())
	if err != nil {
		return false, err
	}
	if healed {
		s.log.Info("linked provider customer to organization",
			zap.String("org_id", org.ID.String()),
			zap.String("customer_id", customerRef),
		)
	}
	return healed, nil
}
