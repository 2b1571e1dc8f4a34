// Package transport authenticates outbound Claude API calls with the
// caller's stored OAuth token.
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	obslogger "github.com/smallbiznis/claudeauth/internal/observability/logger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// HeaderSource yields authentication headers for a user.
type HeaderSource interface {
	Headers(ctx context.Context, userID string) (map[string]string, error)
}

// Refresher forces a refresh once upstream rejects an access token.
type Refresher interface {
	RefreshRejected(ctx context.Context, userID, rejectedAccess string) (*domain.Token, error)
}

// RoundTripper replaces API-key authentication with the user's bearer
// token. The user is read from the request context (see
// logger.WithUserID), falling back to DefaultUser.
//
// With FallbackToAPIKey set, a request that already carries x-api-key is
// sent unchanged when no OAuth token can be had. With Refresher set, a 401
// triggers one forced refresh and a single retry.
type RoundTripper struct {
	Base             http.RoundTripper
	Source           HeaderSource
	DefaultUser      string
	FallbackToAPIKey bool
	Refresher        Refresher
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.Source == nil {
		return nil, errors.New("transport: no header source configured")
	}
	ctx := req.Context()
	userID := strings.TrimSpace(obslogger.UserIDFromContext(ctx))
	if userID == "" {
		userID = rt.DefaultUser
	}

	headers, err := rt.Source.Headers(ctx, userID)
	if err != nil {
		if rt.FallbackToAPIKey && req.Header.Get("x-api-key") != "" {
			obslogger.FromContext(ctx).Debug("no claude oauth token, keeping api key",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return rt.base().RoundTrip(req)
		}
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	resp, err := rt.base().RoundTrip(withHeaders(req, headers))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || rt.Refresher == nil {
		return resp, err
	}

	retry, ok := rewind(req)
	if !ok {
		return resp, nil
	}
	rejected := strings.TrimPrefix(headers["Authorization"], "Bearer ")
	if _, err := rt.Refresher.RefreshRejected(ctx, userID, rejected); err != nil {
		obslogger.FromContext(ctx).Warn("claude token refresh after 401 failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return resp, nil
	}
	headers, err = rt.Source.Headers(ctx, userID)
	if err != nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return rt.base().RoundTrip(withHeaders(retry, headers))
}

func (rt *RoundTripper) base() http.RoundTripper {
	if rt.Base == nil {
		return http.DefaultTransport
	}
	return rt.Base
}

func withHeaders(req *http.Request, headers map[string]string) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Del("x-api-key")
	for k, v := range headers {
		out.Header.Set(k, v)
	}
	return out
}

// rewind returns a copy of req whose body can be sent again.
func rewind(req *http.Request) (*http.Request, bool) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	out.Body = body
	return out, true
}

type Option func(*RoundTripper)

// WithAPIKeyFallback keeps a caller's x-api-key when no OAuth token exists.
func WithAPIKeyFallback() Option {
	return func(rt *RoundTripper) { rt.FallbackToAPIKey = true }
}

// WithRefresher retries once after a 401 with a freshly refreshed token.
func WithRefresher(r Refresher) Option {
	return func(rt *RoundTripper) { rt.Refresher = r }
}

// NewClient returns an http.Client that authenticates every request.
func NewClient(source HeaderSource, defaultUser string, base http.RoundTripper, opts ...Option) *http.Client {
	rt := &RoundTripper{Base: base, Source: source, DefaultUser: defaultUser}
	for _, opt := range opts {
		opt(rt)
	}
	return &http.Client{Transport: rt}
}

// TokenProvider is the part of the auth service a TokenSource needs.
type TokenProvider interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
}

type tokenSource struct {
	ctx      context.Context
	provider TokenProvider
	userID   string
}

// TokenSource adapts the auth service to oauth2.TokenSource for clients
// built on x/oauth2. Expiry is left zero so every call goes through the
// service, which owns refresh.
func TokenSource(ctx context.Context, provider TokenProvider, userID string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, provider: provider, userID: userID}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	access, err := s.provider.GetAccessToken(s.ctx, s.userID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
}
