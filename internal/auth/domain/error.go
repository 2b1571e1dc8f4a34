package domain

import "errors"

var (
	ErrDecryption         = errors.New("claude_oauth: token decryption failed")
	ErrInvalidState       = errors.New("claude_oauth: invalid or expired state")
	ErrTokenExchange      = errors.New("claude_oauth: token exchange failed")
	ErrRefreshFailed      = errors.New("claude_oauth: token refresh failed")
	ErrReauthRequired     = errors.New("claude_oauth: re-authentication required")
	ErrNotAuthenticated   = errors.New("claude_oauth: not authenticated")
	ErrBackendUnavailable = errors.New("claude_oauth: storage backend unavailable")

	ErrTokenNotFound   = errors.New("claude_oauth: token not found")
	ErrReadOnlyBackend = errors.New("claude_oauth: backend is read-only")
	ErrInvalidToken    = errors.New("claude_oauth: invalid token")
)

// NeedsReconnect reports whether err means the user has to run the
// authorization flow again.
func NeedsReconnect(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrReauthRequired) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrDecryption)
}
