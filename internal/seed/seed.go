// Package seed writes the plan catalog into the plans table.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/saasbilling/internal/config"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Result counts what a seed run changed.
type Result struct {
	Created     int
	Updated     int
	Reactivated int
}

// SeedPlans upserts every catalog entry by id. New plans start active;
// existing plans keep their is_active flag unless activateAll is set.
func SeedPlans(ctx context.Context, db *gorm.DB, repo plandomain.Repository, catalog config.PlanCatalog, activateAll bool) (Result, error) {
	if db == nil {
		return Result{}, errors.New("seed database handle is required")
	}
	if err := config.ValidatePlanCatalog(catalog); err != nil {
		return Result{}, err
	}

	var result Result
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, spec := range catalog.Plans {
			existing, err := repo.FindByID(ctx, tx, spec.ID)
			if err != nil {
				return err
			}

			plan := toPlan(spec, now)
			if err := repo.Upsert(ctx, tx, &plan); err != nil {
				return err
			}

			if existing == nil {
				result.Created++
				continue
			}
			result.Updated++
			if activateAll && !existing.IsActive {
				if err := repo.SetActive(ctx, tx, spec.ID, true); err != nil {
					return err
				}
				result.Reactivated++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func toPlan(spec config.PlanSpec, now time.Time) plandomain.Plan {
	limits := datatypes.JSONMap{}
	for key, value := range spec.Limits {
		limits[key] = value
	}
	features := datatypes.JSONSlice[string]{}
	features = append(features, spec.Features...)

	return plandomain.Plan{
		ID:                   spec.ID,
		Name:                 spec.Name,
		Description:          spec.Description,
		StripePriceIDMonthly: spec.StripePriceIDMonthly,
		StripePriceIDYearly:  spec.StripePriceIDYearly,
		PriceMonthly:         spec.PriceMonthly,
		PriceYearly:          spec.PriceYearly,
		Limits:               limits,
		Features:             features,
		IsActive:             true,
		DisplayOrder:         spec.DisplayOrder,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
