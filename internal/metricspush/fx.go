package metricspush

import (
	"context"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Provide(provideReporter),
	fx.Invoke(startReporter),
)

func provideReporter(cfg config.Config, svc domain.Service, pusher Pusher, log *zap.Logger) *Reporter {
	if pusher == nil {
		return nil
	}
	return NewReporter(svc, pusher, cfg.AppName, cfg.MetricsPush.Interval, log)
}

func startReporter(lc fx.Lifecycle, r *Reporter, log *zap.Logger) {
	if r == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting token stats pusher")
			go r.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
