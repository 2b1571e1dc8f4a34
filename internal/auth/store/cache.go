package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/cache"
	"github.com/smallbiznis/claudeauth/internal/clock"
)

const (
	CacheBackendName = "cache"
	cacheKeyPrefix   = "claude_token:"
)

func cacheKey(userID string) string {
	return cacheKeyPrefix + userID
}

// RedisCache is the shared cache tier. Entries expire together with the
// token they hold.
type RedisCache struct {
	client *redis.Client
	cipher domain.Cipher
	clock  clock.Clock
}

func NewRedisCache(client *redis.Client, cipher domain.Cipher, clk clock.Clock) *RedisCache {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisCache{client: client, cipher: cipher, clock: clk}
}

func (c *RedisCache) Name() string { return CacheBackendName }

func (c *RedisCache) Get(ctx context.Context, userID string) (*domain.Token, error) {
	raw, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: redis get: %v", domain.ErrBackendUnavailable, err)
	}

	var sealed sealedToken
	if err := json.Unmarshal(raw, &sealed); err != nil {
		_ = c.client.Del(ctx, cacheKey(userID)).Err()
		return nil, domain.ErrTokenNotFound
	}
	return sealed.open(c.cipher)
}

func (c *RedisCache) Put(ctx context.Context, token *domain.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}
	ttl := token.ExpiresIn(c.clock.Now())
	if ttl <= 0 {
		return c.Delete(ctx, token.UserID)
	}

	sealed, err := seal(c.cipher, token)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKey(token.UserID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// MemoryCache is the single-process cache tier used when redis is not
// configured. Values are kept sealed like in redis.
type MemoryCache struct {
	entries cache.Cache[string, *sealedToken]
	cipher  domain.Cipher
	clock   clock.Clock
}

func NewMemoryCache(cipher domain.Cipher, clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{
		entries: cache.NewTTLCache[string, *sealedToken](clk),
		cipher:  cipher,
		clock:   clk,
	}
}

func (c *MemoryCache) Name() string { return CacheBackendName }

func (c *MemoryCache) Get(_ context.Context, userID string) (*domain.Token, error) {
	sealed, ok := c.entries.Get(cacheKey(userID))
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return sealed.open(c.cipher)
}

func (c *MemoryCache) Put(_ context.Context, token *domain.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}
	ttl := token.ExpiresIn(c.clock.Now())
	if ttl <= 0 {
		c.entries.Delete(cacheKey(token.UserID))
		return nil
	}
	sealed, err := seal(c.cipher, token)
	if err != nil {
		return err
	}
	c.entries.Set(cacheKey(token.UserID), sealed, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.entries.Delete(cacheKey(userID))
	return nil
}

// Sweep evicts expired entries.
func (c *MemoryCache) Sweep() int {
	return c.entries.Sweep()
}
