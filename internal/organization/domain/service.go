package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	Create(ctx context.Context, req CreateOrganizationRequest) (*Organization, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	GetBySlug(ctx context.Context, slug string) (*Organization, error)
	// Resolve maps provider metadata and customer reference to a tenant,
	// running inside db so callers can share their transaction.
	Resolve(ctx context.Context, db *gorm.DB, metadata map[string]string, customerRef string) (Resolution, error)
}
