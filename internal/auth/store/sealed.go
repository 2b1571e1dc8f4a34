// Package store holds the token storage tiers below the database and the
// Hierarchy that reads and writes across all of them.
package store

import (
	"fmt"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
)

// sealedToken is the at-rest JSON shape shared by the cache and file tiers.
// Token strings are ciphertext.
type sealedToken struct {
	UserID       string     `json:"userId"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Scopes       []string   `json:"scopes,omitempty"`
	RefreshCount int64      `json:"refreshCount,omitempty"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
}

func seal(cipher domain.Cipher, token *domain.Token) (*sealedToken, error) {
	access, err := cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	var refresh string
	if token.HasRefreshToken() {
		refresh, err = cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return &sealedToken{
		UserID:       token.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    token.ExpiresAt.UTC(),
		Scopes:       append([]string(nil), token.Scopes...),
		RefreshCount: token.RefreshCount,
		LastUsed:     token.LastUsed,
	}, nil
}

func (s *sealedToken) open(cipher domain.Cipher) (*domain.Token, error) {
	access, err := cipher.Decrypt(s.AccessToken)
	if err != nil {
		return nil, err
	}
	var refresh string
	if s.RefreshToken != "" {
		refresh, err = cipher.Decrypt(s.RefreshToken)
		if err != nil {
			return nil, err
		}
	}
	return &domain.Token{
		UserID:       s.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.ExpiresAt.UTC(),
		Scopes:       append([]string(nil), s.Scopes...),
		RefreshCount: s.RefreshCount,
		LastUsed:     s.LastUsed,
	}, nil
}
