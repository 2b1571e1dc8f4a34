package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	obslogger "github.com/smallbiznis/claudeauth/internal/observability/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type stubSource struct {
	tokens map[string]string
	seen   []string
}

func (s *stubSource) Headers(_ context.Context, userID string) (map[string]string, error) {
	s.seen = append(s.seen, userID)
	tok, ok := s.tokens[userID]
	if !ok {
		return nil, domain.ErrNotAuthenticated
	}
	return map[string]string{
		"Authorization":  "Bearer " + tok,
		"anthropic-beta": "oauth-2025-04-20",
	}, nil
}

func (s *stubSource) GetAccessToken(_ context.Context, userID string) (string, error) {
	tok, ok := s.tokens[userID]
	if !ok {
		return "", domain.ErrNotAuthenticated
	}
	return tok, nil
}

func TestRoundTripperSetsBearer(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	src := &stubSource{tokens: map[string]string{"alice": "tok-alice", "default": "tok-default"}}
	client := NewClient(src, "default", srv.Client().Transport)

	ctx := obslogger.WithUserID(context.Background(), "alice")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/messages", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", "sk-ant-api-should-go")

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "Bearer tok-alice", got.Get("Authorization"))
	assert.Equal(t, "oauth-2025-04-20", got.Get("anthropic-beta"))
	assert.Empty(t, got.Get("x-api-key"))
	assert.Equal(t, "sk-ant-api-should-go", req.Header.Get("x-api-key"))

	req, err = http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "Bearer tok-default", got.Get("Authorization"))
	assert.Equal(t, []string{"alice", "default"}, src.seen)
}

func TestRoundTripperPropagatesAuthErrors(t *testing.T) {
	client := NewClient(&stubSource{}, "nobody", http.DefaultTransport)
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/unused", nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestTokenSource(t *testing.T) {
	src := &stubSource{tokens: map[string]string{"alice": "tok-alice"}}
	ts := TokenSource(context.Background(), src, "alice")

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())

	var _ oauth2.TokenSource = ts
	_, err = TokenSource(context.Background(), src, "bob").Token()
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

type rotatingRefresher struct {
	mu       sync.Mutex
	src      *stubSource
	next     string
	rejected []string
	err      error
}

func (r *rotatingRefresher) RefreshRejected(_ context.Context, userID, rejectedAccess string) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, rejectedAccess)
	if r.err != nil {
		return nil, r.err
	}
	r.src.tokens[userID] = r.next
	return &domain.Token{UserID: userID, AccessToken: r.next}, nil
}

func TestRoundTripperFallsBackToAPIKey(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(&stubSource{}, "nobody", srv.Client().Transport, WithAPIKeyFallback())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", "sk-ant-api-keep")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "sk-ant-api-keep", got.Get("x-api-key"))
	assert.Empty(t, got.Get("Authorization"))

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestRoundTripperRefreshesOnceAfter401(t *testing.T) {
	var (
		mu     sync.Mutex
		auths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		bodies = append(bodies, string(body))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	src := &stubSource{tokens: map[string]string{"alice": "tok-old"}}
	refresher := &rotatingRefresher{src: src, next: "tok-new"}
	client := NewClient(src, "alice", srv.Client().Transport, WithRefresher(refresher))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(`{"model":"claude"}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"tok-old"}, refresher.rejected)
	assert.Equal(t, []string{"Bearer tok-old", "Bearer tok-new"}, auths)
	assert.Equal(t, []string{`{"model":"claude"}`, `{"model":"claude"}`}, bodies)
}

func TestRoundTripperRetriesAtMostOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	src := &stubSource{tokens: map[string]string{"alice": "tok-old"}}
	refresher := &rotatingRefresher{src: src, next: "tok-new"}
	client := NewClient(src, "alice", srv.Client().Transport, WithRefresher(refresher))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 2, calls)
	assert.Len(t, refresher.rejected, 1)
}

func TestRoundTripperKeeps401WhenRetryImpossible(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	src := &stubSource{tokens: map[string]string{"alice": "tok-old"}}
	refresher := &rotatingRefresher{src: src, next: "tok-new"}
	client := NewClient(src, "alice", srv.Client().Transport, WithRefresher(refresher))

	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(strings.NewReader("stream")))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Empty(t, refresher.rejected)

	refresher.err = domain.ErrReauthRequired
	req, err = http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 2, calls)
}
