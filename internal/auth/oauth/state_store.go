package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/clock"
)

const stateKeyPrefix = "claude_oauth_state:"

// MemoryStateStore keeps pending authorizations in process. States are
// evicted by CleanupExpired.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*domain.AuthState
	clock  clock.Clock
}

func NewMemoryStateStore(clk clock.Clock) *MemoryStateStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStateStore{
		states: make(map[string]*domain.AuthState),
		clock:  clk,
	}
}

func (s *MemoryStateStore) Save(_ context.Context, state *domain.AuthState, _ time.Duration) error {
	if state == nil || strings.TrimSpace(state.State) == "" {
		return errors.New("state is required")
	}
	cp := *state
	s.mu.Lock()
	s.states[state.State] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStateStore) Get(_ context.Context, state string) (*domain.AuthState, error) {
	s.mu.RLock()
	st, ok := s.states[state]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrInvalidState
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (*domain.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[state]
	if !ok {
		return nil, domain.ErrInvalidState
	}
	delete(s.states, state)
	return st, nil
}

func (s *MemoryStateStore) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, st := range s.states {
		if st.Expired(now) {
			delete(s.states, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of pending states.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// RedisStateStore shares pending authorizations across replicas. Redis
// expires them, so CleanupExpired has nothing to do.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Save(ctx context.Context, state *domain.AuthState, ttl time.Duration) error {
	if state == nil || strings.TrimSpace(state.State) == "" {
		return errors.New("state is required")
	}
	if ttl <= 0 {
		ttl = domain.StateTTL
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, stateKeyPrefix+state.State, payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: save oauth state: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *RedisStateStore) Get(ctx context.Context, state string) (*domain.AuthState, error) {
	raw, err := s.client.Get(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrInvalidState
		}
		return nil, fmt.Errorf("%w: load oauth state: %v", domain.ErrBackendUnavailable, err)
	}
	return decodeState(raw)
}

// Consume uses GETDEL so concurrent callbacks cannot both redeem a state.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (*domain.AuthState, error) {
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrInvalidState
		}
		return nil, fmt.Errorf("%w: consume oauth state: %v", domain.ErrBackendUnavailable, err)
	}
	return decodeState(raw)
}

func decodeState(raw []byte) (*domain.AuthState, error) {
	var out domain.AuthState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.ErrInvalidState
	}
	return &out, nil
}

func (s *RedisStateStore) CleanupExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
