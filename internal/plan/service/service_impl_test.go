package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/saasbilling/internal/cache"
	"github.com/smallbiznis/saasbilling/internal/plan/domain"
	"github.com/smallbiznis/saasbilling/internal/plan/repository"
	"github.com/smallbiznis/saasbilling/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type countingRepo struct {
	domain.Repository
	lookups int
}

func (r *countingRepo) FindActiveByPrice(ctx context.Context, db *gorm.DB, cadence domain.Cadence, priceID string) (*domain.Plan, error) {
	r.lookups++
	return r.Repository.FindActiveByPrice(ctx, db, cadence, priceID)
}

func newTestService(t *testing.T) (*service, *countingRepo, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	repo := &countingRepo{Repository: repository.Provide()}
	svc := newService(db, repo, zap.NewNop(), cache.NewTTLCache[string, domain.Resolution](), time.Minute)
	return svc, repo, db
}

func TestResolvePriceMatchesMonthlyThenYearly(t *testing.T) {
	ctx := context.Background()
	svc, _, db := newTestService(t)
	testutil.InsertPlan(t, db, "pro", 2)

	monthly, err := svc.ResolvePrice(ctx, db, "price_pro_monthly")
	require.NoError(t, err)
	require.True(t, monthly.Found)
	assert.Equal(t, "pro", monthly.Plan.ID)
	assert.Equal(t, domain.CadenceMonthly, monthly.Cadence)

	yearly, err := svc.ResolvePrice(ctx, db, "price_pro_yearly")
	require.NoError(t, err)
	require.True(t, yearly.Found)
	assert.Equal(t, domain.CadenceYearly, yearly.Cadence)
}

func TestResolvePriceIgnoresInactivePlans(t *testing.T) {
	ctx := context.Background()
	svc, _, db := newTestService(t)
	testutil.InsertPlan(t, db, "legacy", 1)
	require.NoError(t, repository.Provide().SetActive(ctx, db, "legacy", false))

	res, err := svc.ResolvePrice(ctx, db, "price_legacy_monthly")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestResolvePriceUnknownIsNotAnError(t *testing.T) {
	svc, _, db := newTestService(t)

	res, err := svc.ResolvePrice(context.Background(), db, "price_nope")
	require.NoError(t, err)
	assert.False(t, res.Found)

	res, err = svc.ResolvePrice(context.Background(), db, "  ")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestResolvePriceCachesHitsOnly(t *testing.T) {
	ctx := context.Background()
	svc, repo, db := newTestService(t)

	_, err := svc.ResolvePrice(ctx, db, "price_team_monthly")
	require.NoError(t, err)
	missLookups := repo.lookups

	testutil.InsertPlan(t, db, "team", 1)
	res, err := svc.ResolvePrice(ctx, db, "price_team_monthly")
	require.NoError(t, err)
	require.True(t, res.Found, "a miss must not be cached")
	assert.Greater(t, repo.lookups, missLookups)

	lookups := repo.lookups
	_, err = svc.ResolvePrice(ctx, db, "price_team_monthly")
	require.NoError(t, err)
	assert.Equal(t, lookups, repo.lookups, "hit should be served from cache")

	svc.InvalidateCache(ctx)
	_, err = svc.ResolvePrice(ctx, db, "price_team_monthly")
	require.NoError(t, err)
	assert.Greater(t, repo.lookups, lookups)
}

func TestResolvePriceCacheHitRechecksActiveFlag(t *testing.T) {
	ctx := context.Background()
	svc, repo, db := newTestService(t)
	testutil.InsertPlan(t, db, "starter", 1)

	res, err := svc.ResolvePrice(ctx, db, "price_starter_monthly")
	require.NoError(t, err)
	require.True(t, res.Found)

	require.NoError(t, repository.Provide().SetActive(ctx, db, "starter", false))
	lookups := repo.lookups

	res, err = svc.ResolvePrice(ctx, db, "price_starter_monthly")
	require.NoError(t, err)
	assert.False(t, res.Found, "deactivated plan must not be served from cache")
	assert.Greater(t, repo.lookups, lookups)
}

func TestListActiveOrdersByDisplayOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, db := newTestService(t)
	testutil.InsertPlan(t, db, "enterprise", 3)
	testutil.InsertPlan(t, db, "starter", 1)
	testutil.InsertPlan(t, db, "pro", 2)
	require.NoError(t, repository.Provide().SetActive(ctx, db, "pro", false))

	plans, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "starter", plans[0].ID)
	assert.Equal(t, "enterprise", plans[1].ID)
	assert.Equal(t, []string{"feature"}, []string(plans[0].Features))
}

func TestGetPlan(t *testing.T) {
	ctx := context.Background()
	svc, _, db := newTestService(t)
	testutil.InsertPlan(t, db, "starter", 1)

	plan, err := svc.Get(ctx, "starter")
	require.NoError(t, err)
	assert.Equal(t, "price_starter_yearly", plan.PriceFor(domain.CadenceYearly))

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)

	_, err = svc.Get(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidPlanID)
}

func TestParseCadence(t *testing.T) {
	cadence, ok := domain.ParseCadence(" Yearly ")
	assert.True(t, ok)
	assert.Equal(t, domain.CadenceYearly, cadence)

	_, ok = domain.ParseCadence("weekly")
	assert.False(t, ok)
}
