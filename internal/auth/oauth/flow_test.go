package oauth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/provider"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubProvider struct {
	calls   atomic.Int32
	lastReq domain.ExchangeRequest
	token   *domain.ProviderToken
	err     error
}

func (p *stubProvider) Exchange(_ context.Context, req domain.ExchangeRequest) (*domain.ProviderToken, error) {
	p.calls.Add(1)
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return p.token, nil
}

func (p *stubProvider) Refresh(context.Context, string) (*domain.ProviderToken, error) {
	return nil, errors.New("not used")
}

type memoryWriter struct {
	mu     sync.Mutex
	tokens map[string]*domain.Token
}

func (w *memoryWriter) Put(_ context.Context, token *domain.Token) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tokens == nil {
		w.tokens = map[string]*domain.Token{}
	}
	w.tokens[token.UserID] = token.Clone()
	return nil
}

func (w *memoryWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tokens)
}

func newTestFlow(p *stubProvider) (*Flow, *MemoryStateStore, *memoryWriter, *clock.FakeClock) {
	clk := clock.NewFakeClock(baseTime)
	states := NewMemoryStateStore(clk)
	writer := &memoryWriter{}
	oc := provider.OAuthConfig(config.ClaudeConfig{
		ClientID:     config.DefaultClientID,
		AuthorizeURL: config.DefaultAuthorizeURL,
		TokenURL:     config.DefaultTokenURL,
		RedirectURI:  config.DefaultRedirectURI,
		Scopes:       []string{"org:create_api_key", "user:profile", "user:inference"},
	})
	return NewFlow(p, oc, states, writer, clk, nil, nil), states, writer, clk
}

func issued() *domain.ProviderToken {
	return &domain.ProviderToken{
		AccessToken:  "sk-ant-oat01-new",
		RefreshToken: "sk-ant-ort01-new",
		ExpiresIn:    time.Hour,
	}
}

func TestStartBuildsAuthorizationURL(t *testing.T) {
	flow, states, _, _ := newTestFlow(&stubProvider{})

	res, err := flow.Start(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, res.State, 64)
	assert.Equal(t, baseTime.Add(10*time.Minute), res.ExpiresAt)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "claude.ai", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "true", q.Get("code"))
	assert.Equal(t, config.DefaultClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, config.DefaultRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "org:create_api_key user:profile user:inference", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, res.State, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	pending, err := states.Get(context.Background(), res.State)
	require.NoError(t, err)
	assert.Equal(t, "alice", pending.UserID)
	assert.GreaterOrEqual(t, len(pending.CodeVerifier), 43)
	assert.NotEqual(t, pending.CodeVerifier, q.Get("code_challenge"))
	assert.NotContains(t, res.AuthorizationURL, pending.CodeVerifier)
}

func TestCompletePersistsToken(t *testing.T) {
	p := &stubProvider{token: issued()}
	flow, states, writer, _ := newTestFlow(p)
	ctx := context.Background()

	res, err := flow.Start(ctx, "alice")
	require.NoError(t, err)
	pending, err := states.Get(ctx, res.State)
	require.NoError(t, err)

	tok, err := flow.Complete(ctx, "auth-code#"+res.State, res.State)
	require.NoError(t, err)

	assert.Equal(t, "auth-code", p.lastReq.Code)
	assert.Equal(t, pending.CodeVerifier, p.lastReq.CodeVerifier)
	assert.Equal(t, res.State, p.lastReq.State)
	assert.Equal(t, "alice", tok.UserID)
	assert.Equal(t, baseTime.Add(time.Hour), tok.ExpiresAt)
	assert.Equal(t, []string{"org:create_api_key", "user:profile", "user:inference"}, tok.Scopes)
	assert.Equal(t, 1, writer.count())

	_, err = states.Get(ctx, res.State)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = flow.Complete(ctx, "auth-code", res.State)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCompleteRejectsUnknownState(t *testing.T) {
	p := &stubProvider{token: issued()}
	flow, _, writer, _ := newTestFlow(p)
	ctx := context.Background()

	_, err := flow.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = flow.Complete(ctx, "auth-code", "not-the-state")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = flow.Complete(ctx, "auth-code", "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Zero(t, p.calls.Load())
	assert.Zero(t, writer.count())
}

func TestCompleteRejectsStaleState(t *testing.T) {
	p := &stubProvider{token: issued()}
	flow, states, writer, clk := newTestFlow(p)
	ctx := context.Background()

	res, err := flow.Start(ctx, "alice")
	require.NoError(t, err)

	clk.Advance(10*time.Minute + time.Second)
	_, err = flow.Complete(ctx, "auth-code", res.State)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Zero(t, p.calls.Load())
	assert.Zero(t, writer.count())
	assert.Zero(t, states.Len())
}

func TestCompleteExchangeFailureConsumesState(t *testing.T) {
	p := &stubProvider{err: &provider.Error{Status: 400, Code: provider.CodeInvalidGrant}}
	flow, states, writer, _ := newTestFlow(p)
	ctx := context.Background()

	res, err := flow.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = flow.Complete(ctx, "bad-code", res.State)
	assert.ErrorIs(t, err, domain.ErrTokenExchange)
	assert.Zero(t, writer.count())
	assert.Zero(t, states.Len())
}

func TestCleanupExpired(t *testing.T) {
	flow, states, _, clk := newTestFlow(&stubProvider{})
	ctx := context.Background()

	_, err := flow.Start(ctx, "alice")
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)
	_, err = flow.Start(ctx, "bob")
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	removed, err := flow.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, states.Len())
}

func TestCleanCode(t *testing.T) {
	assert.Equal(t, "abc", CleanCode(" abc "))
	assert.Equal(t, "abc", CleanCode("abc#state"))
	assert.Equal(t, "abc", CleanCode("abc&state=x"))
	assert.Equal(t, "", CleanCode("#only"))
}

func TestConcurrentCallbacksRedeemStateOnce(t *testing.T) {
	p := &stubProvider{token: issued()}
	flow, states, writer, _ := newTestFlow(p)
	ctx := context.Background()

	res, err := flow.Start(ctx, "alice")
	require.NoError(t, err)

	const callbacks = 32
	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < callbacks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := flow.Complete(ctx, "auth-code", res.State)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInvalidState):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callbacks-1), rejected.Load())
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, 1, writer.count())
	assert.Zero(t, states.Len())
}

func TestMemoryStateStoreConsumeRemovesState(t *testing.T) {
	states := NewMemoryStateStore(clock.NewFakeClock(baseTime))
	ctx := context.Background()
	require.NoError(t, states.Save(ctx, &domain.AuthState{State: "s1", UserID: "alice", CreatedAt: baseTime}, domain.StateTTL))

	got, err := states.Consume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = states.Consume(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = states.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
