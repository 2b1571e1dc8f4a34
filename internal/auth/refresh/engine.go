// Package refresh keeps stored Claude tokens valid.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/provider"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	UpdatedByRefresh = "refresh"

	lockKeyPrefix    = "lock:claude_refresh:"
	peerPollInterval = 200 * time.Millisecond
)

// Store is the token hierarchy as seen by the engine.
type Store interface {
	Get(ctx context.Context, userID string) (*domain.Token, error)
	Put(ctx context.Context, token *domain.Token) error
}

// Locker serializes refreshes of one user across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Engine struct {
	store    Store
	provider domain.Provider
	policy   *config.RefreshPolicyHolder
	locker   Locker
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.TokenMetrics

	group      singleflight.Group
	refreshing atomic.Int64
}

// NewEngine builds an engine. locker may be nil on single-replica
// deployments.
func NewEngine(
	store Store,
	p domain.Provider,
	policy *config.RefreshPolicyHolder,
	locker Locker,
	clk clock.Clock,
	log *zap.Logger,
	m *metrics.TokenMetrics,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = config.NewStaticRefreshPolicy(config.DefaultRefreshPolicy())
	}
	return &Engine{
		store:    store,
		provider: p,
		policy:   policy,
		locker:   locker,
		clock:    clk,
		log:      log.Named("auth.refresh"),
		metrics:  m,
	}
}

// Policy returns the policy currently in force.
func (e *Engine) Policy() config.RefreshPolicy {
	return e.policy.Get()
}

// Refreshing reports refreshes currently in progress in this process.
func (e *Engine) Refreshing() int64 {
	return e.refreshing.Load()
}

// EnsureFresh returns userID's token, refreshing it first when it is
// within the policy threshold of expiry.
func (e *Engine) EnsureFresh(ctx context.Context, userID string) (*domain.Token, error) {
	token, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	policy := e.policy.Get()
	if !token.NeedsRefresh(e.clock.Now(), policy.Threshold) {
		return token, nil
	}
	if !token.HasRefreshToken() {
		e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeReauth)
		return nil, domain.ErrReauthRequired
	}
	return e.shared(ctx, userID, nil)
}

// Refresh refreshes userID's token regardless of its remaining lifetime.
// When it joins a flight that left the token it read untouched, it starts
// one more flight of its own.
func (e *Engine) Refresh(ctx context.Context, userID string) (*domain.Token, error) {
	token, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.forceFrom(ctx, userID, token)
}

// RefreshRejected refreshes userID's token after upstream rejected
// rejectedAccess. When the stored token has already moved on it is returned
// without calling the provider.
func (e *Engine) RefreshRejected(ctx context.Context, userID, rejectedAccess string) (*domain.Token, error) {
	token, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if token.AccessToken != rejectedAccess {
		return token, nil
	}
	return e.forceFrom(ctx, userID, token)
}

func (e *Engine) forceFrom(ctx context.Context, userID string, seen *domain.Token) (*domain.Token, error) {
	if !seen.HasRefreshToken() {
		e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeReauth)
		return nil, domain.ErrReauthRequired
	}

	updated, err := e.shared(ctx, userID, seen)
	if err != nil || !sameCredentials(updated, seen) {
		return updated, err
	}
	return e.shared(ctx, userID, seen)
}

func (e *Engine) load(ctx context.Context, userID string) (*domain.Token, error) {
	token, err := e.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return nil, domain.ErrNotAuthenticated
		}
		return nil, err
	}
	return token, nil
}

// shared joins or starts the user's in-flight refresh. Forced and threshold
// refreshes share one flight per user; a refresh token is good for one use.
// The flight runs detached from any single caller so one cancelled request
// does not fail the others.
//
// A non-nil seen forces the refresh unless the stored token has already
// moved on from seen.
func (e *Engine) shared(ctx context.Context, userID string, seen *domain.Token) (*domain.Token, error) {
	ch := e.group.DoChan(userID, func() (any, error) {
		return e.refresh(context.WithoutCancel(ctx), userID, seen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			e.metrics.IncRefreshCoalesced()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Token).Clone(), nil
	}
}

func sameCredentials(a, b *domain.Token) bool {
	return a.AccessToken == b.AccessToken && a.ExpiresAt.Equal(b.ExpiresAt)
}

func (e *Engine) refresh(ctx context.Context, userID string, seen *domain.Token) (*domain.Token, error) {
	policy := e.policy.Get()

	// Another caller may have finished a refresh between our read and the
	// flight starting.
	current, err := e.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	var skip bool
	if seen != nil {
		skip = !sameCredentials(current, seen)
	} else {
		skip = !current.NeedsRefresh(e.clock.Now(), policy.Threshold)
	}
	if skip {
		e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeSkipped)
		return current, nil
	}
	if !current.HasRefreshToken() {
		e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeReauth)
		return nil, domain.ErrReauthRequired
	}

	if e.locker != nil {
		release, updated, err := e.acquire(ctx, userID, current, policy)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			return updated, nil
		}
		defer release()
	}

	e.refreshing.Add(1)
	e.metrics.RefreshStarted()
	start := time.Now()
	defer func() {
		e.refreshing.Add(-1)
		e.metrics.RefreshFinished()
		e.metrics.ObserveRefreshDuration(time.Since(start))
	}()

	issued, err := e.callProvider(ctx, userID, current.RefreshToken, policy)
	if err != nil {
		e.log.Warn("token refresh failed",
			zap.String("user_id", userID),
			zap.Int("max_retries", policy.MaxRetries),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrRefreshFailed, err)
	}

	updated := current.Clone()
	updated.AccessToken = issued.AccessToken
	if issued.RefreshToken != "" {
		updated.RefreshToken = issued.RefreshToken
	}
	if len(issued.Scopes) > 0 {
		updated.Scopes = append([]string(nil), issued.Scopes...)
	}
	updated.ExpiresAt = e.clock.Now().Add(issued.ExpiresIn)
	updated.RefreshCount++
	updated.UpdatedBy = UpdatedByRefresh

	// The provider may already have rotated the refresh token, so a
	// persistence failure still hands back the new credentials.
	if err := e.store.Put(ctx, updated); err != nil {
		e.log.Error("refreshed token not persisted",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeSuccess)
	e.log.Info("token refreshed",
		zap.String("user_id", userID),
		zap.Time("expires_at", updated.ExpiresAt),
		zap.Int64("refresh_count", updated.RefreshCount),
		zap.Bool("rotated_refresh_token", issued.RefreshToken != ""),
	)
	return updated, nil
}

func (e *Engine) callProvider(ctx context.Context, userID, refreshToken string, policy config.RefreshPolicy) (*domain.ProviderToken, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         policy.MaxBackoff,
	}
	b.Reset()

	attempt := 0
	operation := func() (*domain.ProviderToken, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()

		issued, err := e.provider.Refresh(attemptCtx, refreshToken)
		if err == nil {
			return issued, nil
		}
		switch {
		case provider.IsInvalidGrant(err):
			e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeInvalidGrant)
			return nil, backoff.Permanent(err)
		case provider.IsPermanent(err):
			e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeFailed)
			return nil, backoff.Permanent(err)
		case errors.Is(err, context.DeadlineExceeded):
			e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeDeadline)
		default:
			e.metrics.IncRefreshAttempt(metrics.RefreshOutcomeRetry)
		}
		e.log.Debug("refresh attempt failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries)),
	)
}

// acquire takes the cross-replica lock. When a peer holds it, acquire waits
// for the peer's result and returns the updated token instead.
func (e *Engine) acquire(ctx context.Context, userID string, current *domain.Token, policy config.RefreshPolicy) (func(), *domain.Token, error) {
	key := lockKeyPrefix + userID
	lockToken, ok, err := e.locker.TryLock(ctx, key, policy.LockTTL)
	if err != nil {
		e.log.Warn("refresh lock unavailable, refreshing without it", zap.String("user_id", userID), zap.Error(err))
		return func() {}, nil, nil
	}
	if ok {
		return func() {
			if err := e.locker.Release(context.WithoutCancel(ctx), key, lockToken); err != nil {
				e.log.Warn("refresh lock release failed", zap.String("user_id", userID), zap.Error(err))
			}
		}, nil, nil
	}

	updated, err := e.waitForPeer(ctx, userID, current, policy.LockTTL)
	if err != nil {
		return nil, nil, err
	}
	e.metrics.IncRefreshCoalesced()
	return nil, updated, nil
}

func (e *Engine) waitForPeer(ctx context.Context, userID string, current *domain.Token, wait time.Duration) (*domain.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(peerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: timed out waiting for concurrent refresh", domain.ErrRefreshFailed)
		case <-ticker.C:
			latest, err := e.load(ctx, userID)
			if err != nil {
				continue
			}
			if latest.AccessToken != current.AccessToken || latest.ExpiresAt.After(current.ExpiresAt) {
				return latest, nil
			}
		}
	}
}
