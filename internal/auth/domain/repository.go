package domain

import (
	"context"
	"time"
)

// TokenBackend is one tier of token storage. Get returns ErrTokenNotFound
// on a miss.
type TokenBackend interface {
	Name() string
	Get(ctx context.Context, userID string) (*Token, error)
	Put(ctx context.Context, token *Token) error
	Delete(ctx context.Context, userID string) error
}

// TokenRepository is the durable tier with the extra queries the refresh
// sweep and stats need.
type TokenRepository interface {
	TokenBackend
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]string, error)
	// ListUnrefreshable lists users whose token has expired and carries no
	// refresh token.
	ListUnrefreshable(ctx context.Context, now time.Time, limit int) ([]string, error)
	Touch(ctx context.Context, userID string, at time.Time) error
	Stats(ctx context.Context, now time.Time, threshold time.Duration) (RepositoryStats, error)
}

type RepositoryStats struct {
	Active         int64
	ExpiringSoon   int64
	Expired        int64
	TotalRefreshes int64
}

// StateStore holds AuthState for the lifetime of one authorization attempt.
type StateStore interface {
	Save(ctx context.Context, state *AuthState, ttl time.Duration) error
	Get(ctx context.Context, state string) (*AuthState, error)
	// Consume returns the pending state and removes it in one step, so a
	// state is redeemed at most once.
	Consume(ctx context.Context, state string) (*AuthState, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// Cipher seals token strings before they leave process memory.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
