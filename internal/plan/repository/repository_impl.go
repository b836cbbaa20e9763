package repository

import (
	"context"
	"errors"

	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Where("id = ?", id).Take(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindActiveByPrice(ctx context.Context, db *gorm.DB, cadence plandomain.Cadence, priceID string) (*plandomain.Plan, error) {
	column := "stripe_price_id_monthly"
	if cadence == plandomain.CadenceYearly {
		column = "stripe_price_id_yearly"
	}

	var plan plandomain.Plan
	err := db.WithContext(ctx).
		Where(column+" = ? AND is_active = ?", priceID, true).
		Take(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	var plans []plandomain.Plan
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("display_order ASC").
		Order("id ASC").
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

// Upsert writes every catalog column except is_active and created_at.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"description",
			"stripe_price_id_monthly",
			"stripe_price_id_yearly",
			"price_monthly",
			"price_yearly",
			"limits",
			"features",
			"display_order",
			"updated_at",
		}),
	}).Create(plan).Error
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, id string, active bool) error {
	return db.WithContext(ctx).
		Model(&plandomain.Plan{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}
