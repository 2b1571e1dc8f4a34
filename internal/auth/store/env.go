package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
)

const (
	EnvBackendName = "env"

	defaultEnvLifetime = time.Hour
	// Unix timestamps above this are taken as milliseconds.
	unixMillisCutoff = 1_000_000_000_000
)

// EnvBackend serves credentials provisioned through CLAUDE_ACCESS_TOKEN and
// friends. It only answers for the default user and never writes. A
// revoke forgets the credentials until the process restarts.
type EnvBackend struct {
	mu           sync.RWMutex
	revoked      bool
	userID       string
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	scopes       []string
}

// NewEnvBackend captures the configured credentials once. A missing or
// unparsable expiry is treated as one hour from startup.
func NewEnvBackend(cfg config.ClaudeConfig, clk clock.Clock) *EnvBackend {
	if clk == nil {
		clk = clock.New()
	}
	expiresAt, ok := parseExpiry(cfg.ExpiresAt)
	if !ok {
		expiresAt = clk.Now().Add(defaultEnvLifetime)
	}
	return &EnvBackend{
		userID:       cfg.DefaultUserID,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		expiresAt:    expiresAt,
		scopes:       append([]string(nil), cfg.Scopes...),
	}
}

func (e *EnvBackend) Name() string { return EnvBackendName }

// Configured reports whether an access token was provided.
func (e *EnvBackend) Configured() bool {
	return e.accessToken != ""
}

func (e *EnvBackend) Get(_ context.Context, userID string) (*domain.Token, error) {
	e.mu.RLock()
	revoked := e.revoked
	e.mu.RUnlock()
	if revoked || !e.Configured() || userID != e.userID {
		return nil, domain.ErrTokenNotFound
	}
	return &domain.Token{
		UserID:       e.userID,
		AccessToken:  e.accessToken,
		RefreshToken: e.refreshToken,
		ExpiresAt:    e.expiresAt,
		Scopes:       append([]string(nil), e.scopes...),
		CreatedBy:    EnvBackendName,
	}, nil
}

func (e *EnvBackend) Put(context.Context, *domain.Token) error {
	return domain.ErrReadOnlyBackend
}

// Delete suppresses the provisioned credentials for the default user.
func (e *EnvBackend) Delete(_ context.Context, userID string) error {
	if !e.Configured() || userID != e.userID {
		return domain.ErrTokenNotFound
	}
	e.mu.Lock()
	e.revoked = true
	e.mu.Unlock()
	return nil
}

func parseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		if n >= unixMillisCutoff {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
