package migration

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestRunCreatesSchemaOnSQLite(t *testing.T) {
	db := openSQLite(t)

	require.NoError(t, Run(db))
	require.NoError(t, Run(db), "running twice must be a no-op")

	for _, table := range []string{
		"tenants", "tenant_members", "features", "plans", "plan_features",
		"subscriptions", "usage_records", "payments", "billing_events",
	} {
		require.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestLiveIndexRejectsSecondLiveSubscription(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, Run(db))

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := func(id int64, status subscriptiondomain.Status) *subscriptiondomain.Subscription {
		return &subscriptiondomain.Subscription{
			ID:                snowflake.ID(1000 + id),
			TenantID:          7,
			PlanID:            9,
			Status:            status,
			BillingCycle:      catalogdomain.BillingCycleMonthly,
			Currency:          "CLP",
			StartDate:         now,
			ExternalReference: "7-ref-" + string(rune('a'+id)),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}

	require.NoError(t, db.Create(sub(1, subscriptiondomain.StatusCancelled)).Error)
	require.NoError(t, db.Create(sub(2, subscriptiondomain.StatusActive)).Error)
	require.Error(t, db.Create(sub(3, subscriptiondomain.StatusTrial)).Error)
	require.NoError(t, db.Create(sub(4, subscriptiondomain.StatusExpired)).Error)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	require.NotZero(t, ups)
	require.Equal(t, ups, downs)
}
