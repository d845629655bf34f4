package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryRevoker(t *testing.T) {
	t.Parallel()

	r := NewMemoryRevoker()
	now := time.Now()
	r.now = func() time.Time { return now }

	revoked, err := r.IsRevoked(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, r.Revoke(context.Background(), "a", now.Add(time.Minute)))
	revoked, err = r.IsRevoked(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, revoked)

	// already expired tokens need no entry
	require.NoError(t, r.Revoke(context.Background(), "b", now.Add(-time.Minute)))
	revoked, err = r.IsRevoked(context.Background(), "b")
	require.NoError(t, err)
	require.False(t, revoked)

	r.now = func() time.Time { return now.Add(2 * time.Minute) }
	revoked, err = r.IsRevoked(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, r.Revoke(context.Background(), "c", now.Add(time.Hour)))
	require.Len(t, r.entries, 1)
}

func TestRedisRevoker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisRevoker(client)

	id := uuid.NewString()
	revoked, err := r.IsRevoked(context.Background(), id)
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, r.Revoke(context.Background(), id, time.Now().Add(time.Minute)))
	revoked, err = r.IsRevoked(context.Background(), id)
	require.NoError(t, err)
	require.True(t, revoked)

	ttl, err := client.TTL(context.Background(), revokedKey(id)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Minute)
}
