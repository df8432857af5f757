package memory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache()

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Set(ctx, "a", "context text")
	got, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "context text", got)

	c.Invalidate(ctx, "a")
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	c := NewRedisCache(client)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Set(ctx, "a", "context text")
	got, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "context text", got)

	// Entries carry the standard TTL.
	srv.FastForward(ContextTTL + 1)
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)

	c.Set(ctx, "b", "other")
	c.Invalidate(ctx, "b")
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
}
