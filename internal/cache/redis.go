// Package cache keeps float-to-GL resolutions in Redis in front of the mapping table.
package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"agentbank.org/internal/ledger"
	"agentbank.org/internal/obs"
)

// Client is the subset of *redis.Client used here.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

var _ Client = (*redis.Client)(nil)

// NewRedisClient dials addr with the pool settings used across services.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
}

// RedisResolver caches successful resolutions for TTL. A write to a default
// scope bumps a generation counter so every cached fallback is dropped at once;
// a write to an exact scope deletes that key only. Redis failures fall through
// to the inner resolver.
type RedisResolver struct {
	inner  ledger.Resolver
	client Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

var (
	_ ledger.Resolver     = (*RedisResolver)(nil)
	_ ledger.MappingCache = (*RedisResolver)(nil)
)

func NewRedisResolver(inner ledger.Resolver, client Client, ttl time.Duration) *RedisResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisResolver{inner: inner, client: client, ttl: ttl, prefix: "agentbank:mapping", log: obs.Logger()}
}

func (r *RedisResolver) genKey() string { return r.prefix + ":gen" }

func (r *RedisResolver) key(gen int64, branchID, floatAccountID string, role ledger.Role) string {
	return strings.Join([]string{r.prefix, strconv.FormatInt(gen, 10), branchID, floatAccountID, string(role)}, ":")
}

func (r *RedisResolver) generation(ctx context.Context) (int64, error) {
	v, err := r.client.Get(ctx, r.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *RedisResolver) Resolve(ctx context.Context, branchID, floatAccountID string, role ledger.Role) (string, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		r.log.Warn("mapping cache unavailable", zap.Error(err))
		return r.inner.Resolve(ctx, branchID, floatAccountID, role)
	}
	key := r.key(gen, branchID, floatAccountID, role)
	code, err := r.client.Get(ctx, key).Result()
	if err == nil && code != "" {
		return code, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Warn("mapping cache read failed", zap.String("key", key), zap.Error(err))
	}

	code, err = r.inner.Resolve(ctx, branchID, floatAccountID, role)
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, key, code, r.ttl).Err(); err != nil {
		r.log.Warn("mapping cache write failed", zap.String("key", key), zap.Error(err))
	}
	return code, nil
}

// Invalidate drops cached resolutions affected by a mapping write for the scope.
func (r *RedisResolver) Invalidate(ctx context.Context, branchID, floatAccountID string, role ledger.Role) error {
	if floatAccountID == "" {
		return r.client.Incr(ctx, r.genKey()).Err()
	}
	gen, err := r.generation(ctx)
	if err != nil {
		return err
	}
	return r.client.Del(ctx, r.key(gen, branchID, floatAccountID, role)).Err()
}
