package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"go.uber.org/zap"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderBeta          = "anthropic-beta"
)

// Store is the slice of the token hierarchy the service reads from.
type Store interface {
	Get(ctx context.Context, userID string) (*domain.Token, error)
	Delete(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string, at time.Time) error
	Stats(ctx context.Context, now time.Time, threshold time.Duration) (domain.RepositoryStats, error)
}

type Refresher interface {
	EnsureFresh(ctx context.Context, userID string) (*domain.Token, error)
	Refresh(ctx context.Context, userID string) (*domain.Token, error)
	Refreshing() int64
	Policy() config.RefreshPolicy
}

type Service struct {
	log         *zap.Logger
	store       Store
	engine      Refresher
	clock       clock.Clock
	autoRefresh bool
	beta        string
}

func New(log *zap.Logger, store Store, engine Refresher, clk clock.Clock, cfg config.Config) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	beta := cfg.Claude.BetaHeader
	if beta == "" {
		beta = config.DefaultBetaHeader
	}
	return &Service{
		log:         log.Named("auth.service"),
		store:       store,
		engine:      engine,
		clock:       clk,
		autoRefresh: cfg.Claude.AutoRefresh,
		beta:        beta,
	}
}

var _ domain.Service = (*Service)(nil)

// GetAccessToken returns a usable access token for userID. With auto
// refresh off, an expired token requires the user to reconnect.
func (s *Service) GetAccessToken(ctx context.Context, userID string) (string, error) {
	token, err := s.usableToken(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := s.store.Touch(ctx, userID, s.clock.Now()); err != nil {
		s.log.Debug("last_used not recorded", zap.String("user_id", userID), zap.Error(err))
	}
	return token.AccessToken, nil
}

func (s *Service) usableToken(ctx context.Context, userID string) (*domain.Token, error) {
	if s.autoRefresh {
		return s.engine.EnsureFresh(ctx, userID)
	}
	token, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return nil, domain.ErrNotAuthenticated
		}
		return nil, err
	}
	if token.IsExpired(s.clock.Now()) {
		return nil, domain.ErrReauthRequired
	}
	return token, nil
}

// Status describes userID's stored token without refreshing it.
func (s *Service) Status(ctx context.Context, userID string) (*domain.Status, error) {
	out := &domain.Status{
		UserID:             userID,
		AutoRefreshEnabled: s.autoRefresh,
	}

	token, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return out, nil
		}
		return nil, err
	}

	now := s.clock.Now()
	expiresIn := int64(token.ExpiresIn(now) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	needsRefresh := token.NeedsRefresh(now, s.engine.Policy().Threshold)
	expiresAt := token.ExpiresAt

	out.Authenticated = true
	out.ExpiresIn = &expiresIn
	out.ExpiresAt = &expiresAt
	out.NeedsRefresh = &needsRefresh
	out.Scopes = token.Scopes
	out.RefreshCount = token.RefreshCount
	out.LastUsed = token.LastUsed
	return out, nil
}

func (s *Service) Refresh(ctx context.Context, userID string) (*domain.Token, error) {
	return s.engine.Refresh(ctx, userID)
}

func (s *Service) Revoke(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, userID); err != nil {
		return err
	}
	s.log.Info("claude token revoked", zap.String("user_id", userID))
	return nil
}

func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	policy := s.engine.Policy()
	repoStats, err := s.store.Stats(ctx, s.clock.Now(), policy.Threshold)
	if err != nil {
		return nil, err
	}
	return &domain.Stats{
		ActiveTokens:            repoStats.Active,
		ExpiringSoon:            repoStats.ExpiringSoon,
		Expired:                 repoStats.Expired,
		Refreshing:              s.engine.Refreshing(),
		TotalRefreshes:          repoStats.TotalRefreshes,
		AutoRefreshEnabled:      s.autoRefresh,
		RefreshThresholdSeconds: int64(policy.Threshold / time.Second),
	}, nil
}

func (s *Service) Headers(ctx context.Context, userID string) (map[string]string, error) {
	accessToken, err := s.GetAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAuthorization: "Bearer " + accessToken,
		HeaderBeta:          s.beta,
	}, nil
}
