// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingeventdomain "github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenDB returns an isolated in-memory database with every table migrated.
// A single connection keeps sqlite's shared cache from reporting lock errors.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&plandomain.Plan{},
		&organizationdomain.Organization{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.LedgerRecord{},
		&billingeventdomain.BillingEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// Node returns one id generator shared by every test in the binary so ids
// never collide across fixtures.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(10)
	})
	if nodeErr != nil {
		t.Fatalf("new node: %v", nodeErr)
	}
	return node
}

// InsertPlan stores an active plan with monthly and yearly prices
// price_<id>_monthly and price_<id>_yearly.
func InsertPlan(t testing.TB, db *gorm.DB, id string, order int) plandomain.Plan {
	t.Helper()
	now := time.Now().UTC()
	plan := plandomain.Plan{
		ID:                   id,
		Name:                 id,
		StripePriceIDMonthly: "price_" + id + "_monthly",
		StripePriceIDYearly:  "price_" + id + "_yearly",
		PriceMonthly:         1000,
		PriceYearly:          10000,
		Limits:               datatypes.JSONMap{"users": 5},
		Features:             datatypes.JSONSlice[string]{"feature"},
		IsActive:             true,
		DisplayOrder:         order,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := db.Create(&plan).Error; err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	return plan
}

func InsertOrganization(t testing.TB, db *gorm.DB, node *snowflake.Node, slug string, customerID string) organizationdomain.Organization {
	t.Helper()
	now := time.Now().UTC()
	org := organizationdomain.Organization{
		ID:        node.Generate(),
		Name:      slug,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if customerID != "" {
		org.StripeCustomerID = &customerID
	}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("insert organization: %v", err)
	}
	return org
}

func Count(t testing.TB, db *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	stmt := db.Table(table)
	if where != "" {
		stmt = stmt.Where(where, args...)
	}
	if err := stmt.Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
