package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/radbridge/internal/audit"
	"github.com/smallbiznis/radbridge/internal/billing"
	"github.com/smallbiznis/radbridge/internal/clock"
	"github.com/smallbiznis/radbridge/internal/config"
	"github.com/smallbiznis/radbridge/internal/migration"
	"github.com/smallbiznis/radbridge/internal/observability"
	"github.com/smallbiznis/radbridge/internal/organization"
	"github.com/smallbiznis/radbridge/internal/providers/email"
	"github.com/smallbiznis/radbridge/internal/server"
	"github.com/smallbiznis/radbridge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Billing reconciliation
		organization.Module,
		audit.Module,
		email.Module,
		billing.Module,

		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
