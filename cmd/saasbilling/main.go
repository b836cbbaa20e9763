package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/saasbilling/internal/billingevent"
	"github.com/smallbiznis/saasbilling/internal/billingprovisioning"
	"github.com/smallbiznis/saasbilling/internal/cache"
	"github.com/smallbiznis/saasbilling/internal/checkout"
	"github.com/smallbiznis/saasbilling/internal/clock"
	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/migration"
	"github.com/smallbiznis/saasbilling/internal/observability"
	"github.com/smallbiznis/saasbilling/internal/organization"
	organizationdomain "github.com/smallbiznis/saasbilling/internal/organization/domain"
	"github.com/smallbiznis/saasbilling/internal/payment"
	"github.com/smallbiznis/saasbilling/internal/plan"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"github.com/smallbiznis/saasbilling/internal/seed"
	"github.com/smallbiznis/saasbilling/internal/server"
	"github.com/smallbiznis/saasbilling/internal/subscription"
	"github.com/smallbiznis/saasbilling/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const commandTimeout = 2 * time.Minute

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "saasbilling",
		Short:         "Billing webhook ingestion and subscription reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, outbox relay and ledger purge",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(migration.Module)
			},
		},
		newSeedPlansCommand(),
		newCreateOrgCommand(),
	)
	return root
}

func newSeedPlansCommand() *cobra.Command {
	var activateAll bool
	cmd := &cobra.Command{
		Use:   "seed-plans",
		Short: "Upsert the plan catalog into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(
				migration.Module,
				cache.Module,
				plan.Module,
				fx.Invoke(func(conn *gorm.DB, repo plandomain.Repository, plans plandomain.Service, catalog *config.PlanCatalogHolder, log *zap.Logger) error {
					ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
					defer cancel()

					result, err := seed.SeedPlans(ctx, conn, repo, catalog.Get(), activateAll)
					if err != nil {
						return err
					}
					plans.InvalidateCache(ctx)
					log.Info("plans seeded",
						zap.Int("created", result.Created),
						zap.Int("updated", result.Updated),
						zap.Int("reactivated", result.Reactivated),
					)
					return nil
				}),
			)
		},
	}
	cmd.Flags().BoolVar(&activateAll, "activate-all", false, "reactivate plans that were deactivated")
	return cmd
}

func newCreateOrgCommand() *cobra.Command {
	var name, slug string
	cmd := &cobra.Command{
		Use:   "create-org",
		Short: "Create an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(
				migration.Module,
				organization.Module,
				fx.Invoke(func(orgs organizationdomain.Service, log *zap.Logger) error {
					ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
					defer cancel()

					org, err := orgs.Create(ctx, organizationdomain.CreateOrganizationRequest{Name: name, Slug: slug})
					if err != nil {
						return err
					}
					log.Info("organization created",
						zap.String("org_id", org.ID.String()),
						zap.String("slug", org.Slug),
					)
					return nil
				}),
			)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization name")
	cmd.Flags().StringVar(&slug, "slug", "", "organization slug, derived from the name when empty")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

func serveOptions() fx.Option {
	return fx.Options(
		infrastructure(),
		migration.Module,
		cache.Module,

		plan.Module,
		organization.Module,
		billingevent.Module,
		subscription.Module,
		payment.Module,
		billingprovisioning.Module,
		checkout.Module,
		seed.Module,

		server.Module,
	)
}

func serve() error {
	app := fx.New(serveOptions())
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

// runOnce starts the graph so every invoke runs, then stops it.
func runOnce(opts ...fx.Option) error {
	app := fx.New(
		infrastructure(),
		fx.Options(opts...),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(ctx)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
