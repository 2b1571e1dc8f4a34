package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/claudeauth/internal/apikey"
	"github.com/smallbiznis/claudeauth/internal/auth"
	"github.com/smallbiznis/claudeauth/internal/cache"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/smallbiznis/claudeauth/internal/metricspush"
	"github.com/smallbiznis/claudeauth/internal/migration"
	"github.com/smallbiznis/claudeauth/internal/observability"
	"github.com/smallbiznis/claudeauth/internal/ratelimit"
	"github.com/smallbiznis/claudeauth/internal/scheduler"
	"github.com/smallbiznis/claudeauth/internal/server"
	"github.com/smallbiznis/claudeauth/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		// Token lifecycle
		auth.Module,
		apikey.Module,
		scheduler.Module,
		server.Module,
		metricspush.Module,
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
