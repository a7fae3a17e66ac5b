package main

import (
	"github.com/smallbiznis/entitlements/internal/bootstrap"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/server"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		bootstrap.Core,
		migration.Module,
		server.Module,
	)
	app.Run()
}
