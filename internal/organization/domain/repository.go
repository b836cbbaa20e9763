package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, org Organization) error
	FindByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	FindByCustomerID(ctx context.Context, customerID string) (*Organization, error)
	// LockByID reads the row with an exclusive lock where the dialect supports it.
	LockByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	// SetCustomerIDIfEmpty reports false when another writer set the id first.
	SetCustomerIDIfEmpty(ctx context.Context, id snowflake.ID, customerID string, now time.Time) (bool, error)
}
