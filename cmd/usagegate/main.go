package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/usagegate/usagegate/internal/billing"
	"github.com/usagegate/usagegate/internal/cache"
	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/credit"
	"github.com/usagegate/usagegate/internal/lock"
	"github.com/usagegate/usagegate/internal/logger"
	"github.com/usagegate/usagegate/internal/migration"
	"github.com/usagegate/usagegate/internal/observability"
	"github.com/usagegate/usagegate/internal/plan"
	"github.com/usagegate/usagegate/internal/server"
	"github.com/usagegate/usagegate/internal/usagewindow"
	"github.com/usagegate/usagegate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		lock.Module,
		clock.Module,
		migration.Module,

		plan.Module,
		usagewindow.Module,
		credit.Module,
		billing.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
