package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Plan, error)
	FindActiveByPrice(ctx context.Context, db *gorm.DB, cadence Cadence, priceID string) (*Plan, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]Plan, error)
	Upsert(ctx context.Context, db *gorm.DB, plan *Plan) error
	SetActive(ctx context.Context, db *gorm.DB, id string, active bool) error
}
