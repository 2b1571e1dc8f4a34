package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/claudeauth/internal/config"
	obsmetrics "github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyOAuthClient = "ratelimit:claude_oauth:%s:%s"

// OAuthLimiter throttles the OAuth endpoints per client IP. It is a no-op
// without redis.
type OAuthLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
	metrics *obsmetrics.Metrics
	log     *zap.Logger
}

func NewOAuthLimiter(cfg config.Config, client *redis.Client, m *obsmetrics.Metrics, log *zap.Logger) *OAuthLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	limiter := &OAuthLimiter{
		rate:    cfg.RateLimit.Rate,
		burst:   cfg.RateLimit.Burst,
		metrics: m,
		log:     log.Named("ratelimit"),
	}
	if !cfg.RateLimit.Enabled || client == nil {
		return limiter
	}
	if limiter.rate <= 0 || limiter.burst <= 0 {
		limiter.log.Warn("oauth rate limit disabled, rate and burst must be positive",
			zap.Float64("rate", limiter.rate),
			zap.Int("burst", limiter.burst),
		)
		return limiter
	}
	limiter.enabled = true
	limiter.bucket = NewTokenBucket(client)
	return limiter
}

func (l *OAuthLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *OAuthLimiter) Allow(ctx context.Context, endpoint, clientIP string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyOAuthClient, strings.TrimSpace(endpoint), strings.TrimSpace(clientIP))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}

// Middleware rejects requests over the limit with 429. Limiter failures
// let the request through.
func (l *OAuthLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := l.Allow(ctx, endpoint, c.ClientIP())
		if err != nil {
			l.log.Warn("rate limiter unavailable, allowing request",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			l.metrics.RecordRateLimitDenied(ctx, endpoint, "limiter_error")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed {
			l.metrics.RecordRateLimitAllowed(ctx, endpoint)
			c.Next()
			return
		}

		l.metrics.RecordRateLimitDenied(ctx, endpoint, "bucket_empty")
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"type":    "rate_limited",
				"message": "too many requests, retry later",
			},
		})
	}
}
