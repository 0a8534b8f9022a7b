package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"commitchain/core/hub"
)

func TestLocalLeaseExcludes(t *testing.T) {
	lease := NewLocalLease()
	release, err := lease.Acquire(context.Background())
	require.NoError(t, err)

	_, err = lease.Acquire(context.Background())
	require.ErrorIs(t, err, ErrLeaseHeld)

	release()
	release()
	again, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLeaseExcludesAcrossRunners(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	first, err := NewRedisLease(client, "hub:tick", 30*time.Second)
	require.NoError(t, err)
	second, err := NewRedisLease(client, "hub:tick", 30*time.Second)
	require.NoError(t, err)

	release, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists("hub:tick"))

	_, err = second.Acquire(ctx)
	require.ErrorIs(t, err, ErrLeaseHeld)

	release()
	require.False(t, mr.Exists("hub:tick"))

	releaseSecond, err := second.Acquire(ctx)
	require.NoError(t, err)
	releaseSecond()
}

func TestRedisLeaseExpiresAndKeepsForeignToken(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	first, err := NewRedisLease(client, "hub:tick", time.Second)
	require.NoError(t, err)
	second, err := NewRedisLease(client, "hub:tick", time.Minute)
	require.NoError(t, err)

	staleRelease, err := first.Acquire(ctx)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = second.Acquire(ctx)
	require.NoError(t, err)

	staleRelease()
	require.True(t, mr.Exists("hub:tick"), "stale holder released a lease it no longer owns")
}

func TestRedisLeaseUnavailable(t *testing.T) {
	mr, client := newRedis(t)
	lease, err := NewRedisLease(client, "hub:tick", time.Second)
	require.NoError(t, err)
	mr.Close()

	_, err = lease.Acquire(context.Background())
	require.ErrorIs(t, err, hub.ErrExternalUnavailable)
}

func TestNewRedisLeaseValidates(t *testing.T) {
	_, client := newRedis(t)
	_, err := NewRedisLease(nil, "k", time.Second)
	require.Error(t, err)
	_, err = NewRedisLease(client, " ", time.Second)
	require.Error(t, err)
	_, err = NewRedisLease(client, "k", 0)
	require.Error(t, err)
}
