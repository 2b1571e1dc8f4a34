package auth

import (
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/oauth"
	"github.com/smallbiznis/claudeauth/internal/auth/provider"
	"github.com/smallbiznis/claudeauth/internal/auth/refresh"
	"github.com/smallbiznis/claudeauth/internal/auth/repository"
	"github.com/smallbiznis/claudeauth/internal/auth/service"
	"github.com/smallbiznis/claudeauth/internal/auth/store"
	"github.com/smallbiznis/claudeauth/internal/auth/tokencrypt"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"github.com/smallbiznis/claudeauth/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("auth.claude",
	fx.Provide(
		tokencrypt.NewFromConfig,
		provideCipher,
		provideTokenRepository,
		provideHierarchy,
		provideStateStore,
		provider.NewClient,
		provideFlow,
		provideLocker,
		provideEngine,
		provideService,
	),
)

func provideCipher(codec *tokencrypt.Codec) domain.Cipher {
	return codec
}

func provideTokenRepository(conn *gorm.DB, cipher domain.Cipher, node *snowflake.Node, clk clock.Clock, log *zap.Logger) *repository.TokenRepository {
	return repository.NewTokenRepository(conn, cipher, node, clk, log)
}

// provideHierarchy assembles the tiers in lookup order: database, cache,
// file, env.
func provideHierarchy(
	cfg config.Config,
	repo *repository.TokenRepository,
	client *redis.Client,
	cipher domain.Cipher,
	clk clock.Clock,
	log *zap.Logger,
) *store.Hierarchy {
	tiers := []store.Tier{{Backend: repo, Role: store.RolePrimary}}

	if client != nil {
		tiers = append(tiers, store.Tier{Backend: store.NewRedisCache(client, cipher, clk), Role: store.RoleCache})
	} else {
		tiers = append(tiers, store.Tier{Backend: store.NewMemoryCache(cipher, clk), Role: store.RoleCache})
	}
	if cfg.Claude.TokenFile != "" {
		tiers = append(tiers, store.Tier{Backend: store.NewFileBackend(cfg.Claude.TokenFile, cipher), Role: store.RoleFallback})
	}
	if env := store.NewEnvBackend(cfg.Claude, clk); env.Configured() {
		tiers = append(tiers, store.Tier{Backend: env, Role: store.RoleReadOnly})
	}

	h := store.NewHierarchy(log, metrics.Tokens(), tiers...)
	log.Named("auth").Info("token store ready", zap.Strings("tiers", h.Tiers()))
	return h
}

func provideStateStore(client *redis.Client, clk clock.Clock) domain.StateStore {
	if client != nil {
		return oauth.NewRedisStateStore(client)
	}
	return oauth.NewMemoryStateStore(clk)
}

func provideFlow(
	p *provider.Client,
	states domain.StateStore,
	h *store.Hierarchy,
	clk clock.Clock,
	log *zap.Logger,
	m *metrics.Metrics,
) *oauth.Flow {
	return oauth.NewFlow(p, p.OAuthConfig(), states, h, clk, log, m)
}

// provideLocker keeps a nil *ratelimit.Locker from turning into a non-nil
// interface.
func provideLocker(l *ratelimit.Locker) refresh.Locker {
	if l == nil {
		return nil
	}
	return l
}

func provideEngine(
	h *store.Hierarchy,
	p *provider.Client,
	policy *config.RefreshPolicyHolder,
	locker refresh.Locker,
	clk clock.Clock,
	log *zap.Logger,
) *refresh.Engine {
	return refresh.NewEngine(h, p, policy, locker, clk, log, metrics.Tokens())
}

func provideService(log *zap.Logger, h *store.Hierarchy, engine *refresh.Engine, clk clock.Clock, cfg config.Config) (*service.Service, domain.Service) {
	svc := service.New(log, h, engine, clk, cfg)
	return svc, svc
}
