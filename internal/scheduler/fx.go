package scheduler

import (
	"context"

	"github.com/smallbiznis/claudeauth/internal/auth/oauth"
	"github.com/smallbiznis/claudeauth/internal/auth/refresh"
	"github.com/smallbiznis/claudeauth/internal/auth/store"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		fx.Annotate(func(h *store.Hierarchy) *store.Hierarchy { return h }, fx.As(new(ExpiringLister))),
		fx.Annotate(func(h *store.Hierarchy) *store.Hierarchy { return h }, fx.As(new(TokenPurger))),
		fx.Annotate(func(e *refresh.Engine) *refresh.Engine { return e }, fx.As(new(Refresher))),
		fx.Annotate(func(f *oauth.Flow) *oauth.Flow { return f }, fx.As(new(StateCleaner))),
	),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
