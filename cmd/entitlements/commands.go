package main

import (
	"context"
	"time"

	"github.com/smallbiznis/entitlements/internal/bootstrap"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/catalog/provision"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/scheduler"
	"github.com/smallbiznis/entitlements/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const oneShotTimeout = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with the background scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		fx.New(
			bootstrap.Core,
			migration.Module,
			server.Module,
			scheduler.Module,
			fx.Invoke(scheduler.Run),
		).Run()
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run only the background scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		fx.New(
			bootstrap.Core,
			scheduler.Module,
			fx.Invoke(scheduler.Run),
		).Run()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), fx.Options(bootstrap.Infrastructure, migration.Module), func(context.Context) error {
			return nil
		})
	},
}

var provisionFile string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Load the feature and plan catalog into the database",
	Long: `Provision validates a catalog definition and applies it idempotently.
Without --file the built-in default catalog is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadDefinition(provisionFile)
		if err != nil {
			return err
		}

		var (
			svc catalogdomain.Service
			log *zap.Logger
		)
		opts := fx.Options(bootstrap.Core, migration.Module, fx.Populate(&svc, &log))
		return runOnce(cmd.Context(), opts, func(ctx context.Context) error {
			report, err := svc.Provision(ctx, def)
			if err != nil {
				return err
			}
			log.Info("catalog provisioned",
				zap.Int("features_created", report.FeaturesCreated),
				zap.Int("features_updated", report.FeaturesUpdated),
				zap.Int("plans_created", report.PlansCreated),
				zap.Int("plans_updated", report.PlansUpdated),
				zap.Int("bindings_changed", report.BindingsChanged),
				zap.Bool("changed", report.Changed()),
			)
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run every scheduler job once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sched *scheduler.Scheduler
		opts := fx.Options(bootstrap.Core, scheduler.Module, fx.Populate(&sched))
		return runOnce(cmd.Context(), opts, func(ctx context.Context) error {
			return sched.RunOnce(ctx)
		})
	},
}

func init() {
	provisionCmd.Flags().StringVarP(&provisionFile, "file", "f", "", "catalog definition (yaml or json)")
}

func loadDefinition(path string) (catalogdomain.Definition, error) {
	if path == "" {
		return provision.Default()
	}
	return provision.LoadFile(path)
}

// runOnce starts the application, runs fn, and stops it again.
func runOnce(parent context.Context, opts fx.Option, fn func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, oneShotTimeout)
	defer cancel()

	app := fx.New(opts, fx.NopLogger)
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
