package memory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ContextTTL bounds how stale an injected memory context may be. Writes
// invalidate explicitly; the TTL only covers crashed or missed invalidations.
const ContextTTL = 5 * time.Minute

// ContextCache caches the formatted memory context per agent.
type ContextCache interface {
	Get(ctx context.Context, agentID string) (string, bool)
	Set(ctx context.Context, agentID, text string)
	Invalidate(ctx context.Context, agentID string)
}

// LocalCache is the in-process default.
type LocalCache struct {
	c *gocache.Cache
}

// NewLocalCache creates an in-process context cache with the standard TTL.
func NewLocalCache() *LocalCache {
	return &LocalCache{c: gocache.New(ContextTTL, 2*ContextTTL)}
}

func (l *LocalCache) Get(_ context.Context, agentID string) (string, bool) {
	v, ok := l.c.Get(agentID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (l *LocalCache) Set(_ context.Context, agentID, text string) {
	l.c.Set(agentID, text, ContextTTL)
}

func (l *LocalCache) Invalidate(_ context.Context, agentID string) {
	l.c.Delete(agentID)
}

// RedisCache shares the context cache across instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(agentID string) string {
	return "convoflow:memctx:" + agentID
}

func (r *RedisCache) Get(ctx context.Context, agentID string) (string, bool) {
	v, err := r.client.Get(ctx, redisKey(agentID)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (r *RedisCache) Set(ctx context.Context, agentID, text string) {
	r.client.Set(ctx, redisKey(agentID), text, ContextTTL)
}

func (r *RedisCache) Invalidate(ctx context.Context, agentID string) {
	r.client.Del(ctx, redisKey(agentID))
}
