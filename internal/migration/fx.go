package migration

import (
	billingeventdomain "github.com/smallbiznis/saasbilling/internal/billingevent/domain"
	"github.com/smallbiznis/saasbilling/internal/config"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply runs the embedded SQL migrations on postgres. Other dialects are
// development setups and get their schema from the models.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		log.Named("migrations").Info("auto-migrating schema", zap.String("db_type", cfg.DBType))
		return conn.AutoMigrate(
			&plandomain.Plan{},
			&organizationdomain.Organization{},
			&subscriptiondomain.Subscription{},
			&paymentdomain.LedgerRecord{},
			&billingeventdomain.BillingEvent{},
		)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
