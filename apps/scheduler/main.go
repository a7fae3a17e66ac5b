package main

import (
	"github.com/smallbiznis/entitlements/internal/bootstrap"
	"github.com/smallbiznis/entitlements/internal/scheduler"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		bootstrap.Core,

		// No server module; the API binary owns migrations.
		scheduler.Module,
		fx.Invoke(scheduler.Run),
	)
	app.Run()
}
