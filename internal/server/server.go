package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/smallbiznis/claudeauth/internal/apikey/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/oauth"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/smallbiznis/claudeauth/internal/observability"
	obsmiddleware "github.com/smallbiznis/claudeauth/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/claudeauth/internal/observability/metrics"
	obstracing "github.com/smallbiznis/claudeauth/internal/observability/tracing"
	"github.com/smallbiznis/claudeauth/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(provideFlow),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// OAuthFlow is the authorization code handshake the HTTP surface drives.
type OAuthFlow interface {
	Start(ctx context.Context, userID string) (*oauth.StartResult, error)
	Complete(ctx context.Context, code, state string) (*domain.Token, error)
}

func provideFlow(f *oauth.Flow) OAuthFlow {
	return f
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	port := strings.TrimSpace(cfg.HTTPPort)
	if port == "" {
		port = "4000"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine  *gin.Engine
	cfg     config.Config
	authsvc domain.Service
	flow    OAuthFlow
	clock   clock.Clock
	limiter *ratelimit.OAuthLimiter
	apikeys apikeydomain.Service
}

type ServerParams struct {
	fx.In

	Gin     *gin.Engine
	Cfg     config.Config
	Authsvc domain.Service
	Flow    OAuthFlow
	Clock   clock.Clock
	Limiter *ratelimit.OAuthLimiter `optional:"true"`
	APIKeys apikeydomain.Service    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	svc := &Server{
		engine:  p.Gin,
		cfg:     p.Cfg,
		authsvc: p.Authsvc,
		flow:    p.Flow,
		clock:   clk,
		limiter: p.Limiter,
		apikeys: p.APIKeys,
	}

	svc.registerClaudeRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerClaudeRoutes() {
	public := s.engine.Group("/auth/claude")
	// The provider redirects the browser here; the state binds the user.
	public.GET("/callback", s.rateLimit("oauth_callback"), s.OAuthCallback)
	public.POST("/callback", s.rateLimit("oauth_callback"), s.OAuthCallback)
	public.GET("/health", s.Health)

	claude := s.engine.Group("/auth/claude", s.UserContext())
	claude.GET("/oauth/start", s.rateLimit("oauth_start"), s.StartOAuth)
	claude.GET("/oauth/status", s.OAuthStatus)
	claude.POST("/refresh", s.rateLimit("refresh"), s.RefreshToken)
	claude.DELETE("/revoke", s.RevokeToken)
}

func (s *Server) registerAdminRoutes() {
	if s.apikeys == nil || s.cfg.Auth.AdminToken == "" {
		return
	}
	admin := s.engine.Group("/admin", s.AdminRequired())
	admin.GET("/api-keys", s.ListAPIKeys)
	admin.POST("/api-keys", s.CreateAPIKey)
	admin.DELETE("/api-keys/:key_id", s.RevokeAPIKey)
}

func (s *Server) rateLimit(endpoint string) gin.HandlerFunc {
	if !s.limiter.Enabled() {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.Middleware(endpoint)
}
