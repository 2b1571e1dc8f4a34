// Package domain contains core types for Claude OAuth token management.
package domain

import (
	"strings"
	"time"
)

// Token is the decrypted view of a user's Claude OAuth credentials.
// It must never be logged.
type Token struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	RefreshCount int64
	CreatedBy    string
	UpdatedBy    string
	LastUsed     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t *Token) Validate() error {
	if t == nil || strings.TrimSpace(t.UserID) == "" || t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return ErrInvalidToken
	}
	return nil
}

func (t *Token) HasRefreshToken() bool {
	return t != nil && strings.TrimSpace(t.RefreshToken) != ""
}

// ExpiresIn returns the remaining lifetime, negative once expired.
func (t *Token) ExpiresIn(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token is within threshold of expiry.
func (t *Token) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return t.ExpiresIn(now) <= threshold
}

func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.Scopes != nil {
		out.Scopes = append([]string(nil), t.Scopes...)
	}
	if t.LastUsed != nil {
		lu := *t.LastUsed
		out.LastUsed = &lu
	}
	return &out
}
