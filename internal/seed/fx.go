package seed

import (
	"context"

	"github.com/smallbiznis/saasbilling/internal/config"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Catalog *config.PlanCatalogHolder
	Repo    plandomain.Repository
	Plans   plandomain.Service
}

var Module = fx.Module("seed",
	fx.Invoke(seedOnStart),
)

// seedOnStart applies the catalog once and again on every catalog reload.
func seedOnStart(p Params) error {
	if !p.Config.SeedPlans {
		return nil
	}
	log := p.Log.Named("seed.plans")

	apply := func(ctx context.Context, catalog config.PlanCatalog) error {
		result, err := SeedPlans(ctx, p.DB, p.Repo, catalog, false)
		if err != nil {
			return err
		}
		p.Plans.InvalidateCache(ctx)
		log.Info("plan catalog applied",
			zap.Int("created", result.Created),
			zap.Int("updated", result.Updated),
		)
		return nil
	}

	if err := apply(context.Background(), p.Catalog.Get()); err != nil {
		return err
	}
	p.Catalog.OnChange(func(catalog config.PlanCatalog) {
		if err := apply(context.Background(), catalog); err != nil {
			log.Error("plan catalog reseed failed", zap.Error(err))
		}
	})
	return nil
}
