package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/saasbilling/internal/cache"
	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cachePrefix = "saasbilling:plan:"

type Params struct {
	fx.In

	DB     *gorm.DB
	Repo   domain.Repository
	Log    *zap.Logger
	Config config.Config
	Redis  redis.UniversalClient `optional:"true"`
}

type service struct {
	db    *gorm.DB
	repo  domain.Repository
	log   *zap.Logger
	cache cache.Cache[string, domain.Resolution]
	ttl   time.Duration
}

func NewService(p Params) domain.Service {
	log := p.Log.Named("plan.service")

	var resolutions cache.Cache[string, domain.Resolution]
	if p.Redis != nil {
		resolutions = cache.NewRedisCache[domain.Resolution](p.Redis, cachePrefix, log)
	} else {
		resolutions = cache.NewTTLCache[string, domain.Resolution]()
	}

	return newService(p.DB, p.Repo, log, resolutions, p.Config.Redis.PlanTTL)
}

func newService(db *gorm.DB, repo domain.Repository, log *zap.Logger, resolutions cache.Cache[string, domain.Resolution], ttl time.Duration) *service {
	return &service{
		db:    db,
		repo:  repo,
		log:   log,
		cache: resolutions,
		ttl:   ttl,
	}
}

func (s *service) ResolvePrice(ctx context.Context, db *gorm.DB, priceID string) (domain.Resolution, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return domain.Resolution{}, nil
	}
	if db == nil {
		db = s.db
	}

	key := "price:" + priceID
	if cached, ok := s.cache.Get(ctx, key); ok {
		// The cached mapping is only trusted while the plan is still active
		// and still carries the price.
		current, err := s.repo.FindByID(ctx, db, cached.Plan.ID)
		if err != nil {
			return domain.Resolution{}, err
		}
		if current != nil && current.IsActive && current.PriceFor(cached.Cadence) == priceID {
			return domain.Resolution{Found: true, Plan: *current, Cadence: cached.Cadence}, nil
		}
		s.cache.Delete(ctx, key)
	}

	for _, cadence := range []domain.Cadence{domain.CadenceMonthly, domain.CadenceYearly} {
		plan, err := s.repo.FindActiveByPrice(ctx, db, cadence, priceID)
		if err != nil {
			return domain.Resolution{}, err
		}
		if plan == nil {
			continue
		}
		resolution := domain.Resolution{Found: true, Plan: *plan, Cadence: cadence}
		s.cache.Set(ctx, key, resolution, s.ttl)
		return resolution, nil
	}

	// Misses are not cached so a newly seeded price resolves immediately.
	s.log.Debug("price did not match an active plan", zap.String("price_id", priceID))
	return domain.Resolution{}, nil
}

func (s *service) Get(ctx context.Context, id string) (*domain.Plan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidPlanID
	}

	plan, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *service) ListActive(ctx context.Context) ([]domain.Plan, error) {
	return s.repo.ListActive(ctx, s.db)
}

func (s *service) InvalidateCache(ctx context.Context) {
	s.cache.Clear(ctx)
}
