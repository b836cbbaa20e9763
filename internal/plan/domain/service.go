package domain

import (
	"context"

	"gorm.io/gorm"
)

type Service interface {
	// ResolvePrice matches active plans by monthly price first, then yearly.
	ResolvePrice(ctx context.Context, db *gorm.DB, priceID string) (Resolution, error)
	Get(ctx context.Context, id string) (*Plan, error)
	ListActive(ctx context.Context) ([]Plan, error)
	InvalidateCache(ctx context.Context)
}
