package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	FindByOrgIDForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	// Upsert writes every provider-controlled column, keyed on org_id.
	Upsert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// AdvanceLastEventAt moves the watermark forward only.
	AdvanceLastEventAt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, now time.Time) error
}
