package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/provider"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu     sync.Mutex
	tokens map[string]*domain.Token
	puts   int
}

func newMemoryStore(tokens ...*domain.Token) *memoryStore {
	s := &memoryStore{tokens: map[string]*domain.Token{}}
	for _, t := range tokens {
		s.tokens[t.UserID] = t.Clone()
	}
	return s
}

func (s *memoryStore) Get(_ context.Context, userID string) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[userID]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return t.Clone(), nil
}

func (s *memoryStore) Put(_ context.Context, token *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.tokens[token.UserID] = token.Clone()
	return nil
}

func (s *memoryStore) snapshot(userID string) *domain.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[userID].Clone()
}

type stubProvider struct {
	calls atomic.Int32
	delay time.Duration
	fn    func(call int32) (*domain.ProviderToken, error)
}

func (p *stubProvider) Exchange(context.Context, domain.ExchangeRequest) (*domain.ProviderToken, error) {
	return nil, errors.New("not used")
}

func (p *stubProvider) Refresh(ctx context.Context, _ string) (*domain.ProviderToken, error) {
	call := p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.fn(call)
}

func okProvider() *stubProvider {
	return &stubProvider{fn: func(int32) (*domain.ProviderToken, error) {
		return &domain.ProviderToken{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: time.Hour}, nil
	}}
}

func testPolicy() *config.RefreshPolicyHolder {
	p := config.DefaultRefreshPolicy()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 4 * time.Millisecond
	p.AttemptTimeout = time.Second
	return config.NewStaticRefreshPolicy(p)
}

func tokenExpiringIn(d time.Duration) *domain.Token {
	return &domain.Token{
		UserID:       "alice",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    baseTime.Add(d),
		Scopes:       []string{"user:inference"},
		RefreshCount: 4,
	}
}

func newTestEngine(store Store, p domain.Provider) (*Engine, *metrics.TokenMetrics) {
	m := metrics.NewTokenMetrics(prometheus.NewRegistry(), metrics.Config{})
	return NewEngine(store, p, testPolicy(), nil, clock.NewFakeClock(baseTime), nil, m), m
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	p := okProvider()
	engine, _ := newTestEngine(newMemoryStore(tokenExpiringIn(600*time.Second)), p)

	tok, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok.AccessToken)
	assert.Zero(t, p.calls.Load())
}

func TestEnsureFreshRefreshesInsideThreshold(t *testing.T) {
	p := okProvider()
	store := newMemoryStore(tokenExpiringIn(60 * time.Second))
	engine, m := newTestEngine(store, p)

	tok, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "new-refresh", tok.RefreshToken)
	assert.Equal(t, int64(5), tok.RefreshCount)
	assert.Equal(t, baseTime.Add(time.Hour), tok.ExpiresAt)
	assert.Equal(t, UpdatedByRefresh, tok.UpdatedBy)

	stored := store.snapshot("alice")
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, int64(5), stored.RefreshCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsAttempts(m, metrics.RefreshOutcomeSuccess)))
}

func TestEnsureFreshAtThresholdRefreshes(t *testing.T) {
	p := okProvider()
	engine, _ := newTestEngine(newMemoryStore(tokenExpiringIn(300*time.Second)), p)

	_, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	p := &stubProvider{fn: func(int32) (*domain.ProviderToken, error) {
		return &domain.ProviderToken{AccessToken: "new-access", ExpiresIn: time.Hour, Scopes: []string{"user:profile"}}, nil
	}}
	store := newMemoryStore(tokenExpiringIn(time.Minute))
	engine, _ := newTestEngine(store, p)

	tok, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", tok.RefreshToken)
	assert.Equal(t, []string{"user:profile"}, tok.Scopes)
	assert.Equal(t, "old-refresh", store.snapshot("alice").RefreshToken)
}

func TestRefreshFailsAfterRetries(t *testing.T) {
	p := &stubProvider{fn: func(int32) (*domain.ProviderToken, error) {
		return nil, &provider.Error{Status: 500}
	}}
	store := newMemoryStore(tokenExpiringIn(time.Minute))
	engine, m := newTestEngine(store, p)

	_, err := engine.EnsureFresh(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRefreshFailed)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, float64(3), testutil.ToFloat64(metricsAttempts(m, metrics.RefreshOutcomeRetry)))

	stored := store.snapshot("alice")
	assert.Equal(t, "old-access", stored.AccessToken)
	assert.Equal(t, int64(4), stored.RefreshCount)
	assert.Zero(t, store.puts)
	assert.Zero(t, engine.Refreshing())
}

func TestRefreshRecoversAfterTransientFailure(t *testing.T) {
	p := &stubProvider{fn: func(call int32) (*domain.ProviderToken, error) {
		if call < 3 {
			return nil, &provider.Error{Status: 503}
		}
		return &domain.ProviderToken{AccessToken: "third-time", ExpiresIn: time.Hour}, nil
	}}
	engine, _ := newTestEngine(newMemoryStore(tokenExpiringIn(time.Minute)), p)

	tok, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "third-time", tok.AccessToken)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestInvalidGrantIsNotRetried(t *testing.T) {
	p := &stubProvider{fn: func(int32) (*domain.ProviderToken, error) {
		return nil, &provider.Error{Status: 400, Code: provider.CodeInvalidGrant}
	}}
	engine, m := newTestEngine(newMemoryStore(tokenExpiringIn(time.Minute)), p)

	_, err := engine.EnsureFresh(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrRefreshFailed)
	assert.True(t, domain.NeedsReconnect(err))
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsAttempts(m, metrics.RefreshOutcomeInvalidGrant)))
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	p := okProvider()
	p.delay = 50 * time.Millisecond
	engine, _ := newTestEngine(newMemoryStore(tokenExpiringIn(time.Minute)), p)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := engine.EnsureFresh(context.Background(), "alice")
			errs[i] = err
			if tok != nil {
				results[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", results[i])
	}
}

func TestMissingTokenAndRefreshToken(t *testing.T) {
	p := okProvider()
	noRefresh := tokenExpiringIn(time.Minute)
	noRefresh.RefreshToken = ""
	engine, _ := newTestEngine(newMemoryStore(noRefresh), p)
	ctx := context.Background()

	_, err := engine.EnsureFresh(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	_, err = engine.EnsureFresh(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	_, err = engine.Refresh(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Zero(t, p.calls.Load())
}

func TestForcedRefreshIgnoresThreshold(t *testing.T) {
	p := okProvider()
	engine, _ := newTestEngine(newMemoryStore(tokenExpiringIn(time.Hour)), p)

	tok, err := engine.Refresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, int32(1), p.calls.Load())
}

type stubLocker struct {
	held     bool
	acquired atomic.Int32
	released atomic.Int32
}

func (l *stubLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	l.acquired.Add(1)
	return "lock-token", true, nil
}

func (l *stubLocker) Release(context.Context, string, string) error {
	l.released.Add(1)
	return nil
}

func TestLockIsReleasedAfterRefresh(t *testing.T) {
	p := okProvider()
	locker := &stubLocker{}
	engine := NewEngine(newMemoryStore(tokenExpiringIn(time.Minute)), p, testPolicy(), locker, clock.NewFakeClock(baseTime), nil, nil)

	_, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), locker.acquired.Load())
	assert.Equal(t, int32(1), locker.released.Load())
}

func TestPeerHoldingLockIsAwaited(t *testing.T) {
	p := okProvider()
	store := newMemoryStore(tokenExpiringIn(time.Minute))
	policy := config.DefaultRefreshPolicy()
	policy.LockTTL = 2 * time.Second
	engine := NewEngine(store, p, config.NewStaticRefreshPolicy(policy), &stubLocker{held: true}, clock.NewFakeClock(baseTime), nil, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		peer := tokenExpiringIn(time.Hour)
		peer.AccessToken = "peer-access"
		_ = store.Put(context.Background(), peer)
	}()

	tok, err := engine.EnsureFresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "peer-access", tok.AccessToken)
	assert.Zero(t, p.calls.Load())
}

func metricsAttempts(m *metrics.TokenMetrics, outcome string) prometheus.Collector {
	return m.RefreshAttempts().WithLabelValues(outcome)
}

func TestForcedAndThresholdRefreshShareOneFlight(t *testing.T) {
	p := okProvider()
	p.delay = 100 * time.Millisecond
	engine, _ := newTestEngine(newMemoryStore(tokenExpiringIn(time.Minute)), p)

	var wg sync.WaitGroup
	var ensured, forced *domain.Token
	var ensureErr, forceErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		ensured, ensureErr = engine.EnsureFresh(context.Background(), "alice")
	}()
	go func() {
		defer wg.Done()
		forced, forceErr = engine.Refresh(context.Background(), "alice")
	}()
	wg.Wait()

	require.NoError(t, ensureErr)
	require.NoError(t, forceErr)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, "new-access", ensured.AccessToken)
	assert.Equal(t, "new-access", forced.AccessToken)
}

func TestConcurrentForcedRefreshesCallProviderOnce(t *testing.T) {
	p := okProvider()
	p.delay = 50 * time.Millisecond
	store := newMemoryStore(tokenExpiringIn(time.Hour))
	engine, _ := newTestEngine(store, p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(context.Background(), "alice")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(5), store.snapshot("alice").RefreshCount)
}

func TestRefreshRejectedSkipsWhenTokenAlreadyRotated(t *testing.T) {
	p := okProvider()
	store := newMemoryStore(tokenExpiringIn(time.Hour))
	engine, _ := newTestEngine(store, p)
	ctx := context.Background()

	tok, err := engine.RefreshRejected(ctx, "alice", "some-older-access")
	require.NoError(t, err)
	assert.Equal(t, "old-access", tok.AccessToken)
	assert.Zero(t, p.calls.Load())

	tok, err = engine.RefreshRejected(ctx, "alice", "old-access")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, int32(1), p.calls.Load())

	_, err = engine.RefreshRejected(ctx, "alice", "old-access")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}
