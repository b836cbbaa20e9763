package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Subscription, error) {
	return first(db.WithContext(ctx).Where("org_id = ?", orgID))
}

func (r *repo) FindByOrgIDForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Subscription, error) {
	return first(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ?", orgID))
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id",
			"stripe_subscription_id",
			"stripe_price_id",
			"billing_cycle",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"trial_end",
			"last_event_at",
			"updated_at",
		}),
	}).Create(subscription).Error
}

func (r *repo) AdvanceLastEventAt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET last_event_at = ? WHERE id = ? AND (last_event_at IS NULL OR last_event_at < ?)`,
		at,
		id,
		at,
	).Error
}

func (r *repo) SetCancelAtPeriodEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET cancel_at_period_end = ?, updated_at = ? WHERE id = ?`,
		cancel,
		now,
		id,
	).Error
}

func first(query *gorm.DB) (*domain.Subscription, error) {
	var subscription domain.Subscription
	if err := query.Take(&subscription).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}
