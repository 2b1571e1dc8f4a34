package domain

import (
	"context"
	"time"
)

// Provider talks to the Claude authorization server.
type Provider interface {
	Exchange(ctx context.Context, req ExchangeRequest) (*ProviderToken, error)
	Refresh(ctx context.Context, refreshToken string) (*ProviderToken, error)
}

type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	State        string
	RedirectURI  string
}

// ProviderToken is a token endpoint response. RefreshToken may be empty
// when the provider keeps the previous one valid.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

// Service is the entry point other server code uses to obtain credentials.
type Service interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
	Status(ctx context.Context, userID string) (*Status, error)
	Refresh(ctx context.Context, userID string) (*Token, error)
	Revoke(ctx context.Context, userID string) error
	Stats(ctx context.Context) (*Stats, error)
	// Headers returns the request headers that authenticate userID
	// against the Claude API.
	Headers(ctx context.Context, userID string) (map[string]string, error)
}

type Status struct {
	Authenticated      bool       `json:"authenticated"`
	UserID             string     `json:"user_id,omitempty"`
	ExpiresIn          *int64     `json:"expires_in,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	NeedsRefresh       *bool      `json:"needs_refresh,omitempty"`
	Scopes             []string   `json:"scopes,omitempty"`
	RefreshCount       int64      `json:"refresh_count"`
	LastUsed           *time.Time `json:"last_used,omitempty"`
	AutoRefreshEnabled bool       `json:"auto_refresh_enabled"`
}

type Stats struct {
	ActiveTokens            int64 `json:"active_tokens"`
	ExpiringSoon            int64 `json:"expiring_soon"`
	Expired                 int64 `json:"expired"`
	Refreshing              int64 `json:"refreshing"`
	TotalRefreshes          int64 `json:"total_refreshes"`
	AutoRefreshEnabled      bool  `json:"auto_refresh_enabled"`
	RefreshThresholdSeconds int64 `json:"refresh_threshold_seconds"`
}
