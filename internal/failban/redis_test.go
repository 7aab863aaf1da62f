package failban

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), srv
}

func TestRedisViolationWindowPruning(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	count, err := store.AddViolation(ctx, "1.2.3.4", base, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = store.AddViolation(ctx, "1.2.3.4", base.Add(time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// The first violation falls outside the window ending here.
	count, err = store.AddViolation(ctx, "1.2.3.4", base.Add(11*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, store.ClearViolations(ctx, "1.2.3.4"))
	count, err = store.AddViolation(ctx, "1.2.3.4", base.Add(12*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRedisBanRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, srv := newRedisStore(t)
	until := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Ban(ctx, "1.2.3.4", until))

	got, ok, err := store.BanExpiry(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(until))

	bans, err := store.ListBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	require.True(t, bans["1.2.3.4"].Equal(until))

	require.NoError(t, store.Unban(ctx, "1.2.3.4"))
	_, ok, err = store.BanExpiry(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, ok)

	// The ban key carries a TTL so it disappears on its own.
	require.NoError(t, store.Ban(ctx, "5.6.7.8", time.Now().Add(time.Minute)))
	srv.FastForward(2 * time.Minute)
	_, ok, err = store.BanExpiry(ctx, "5.6.7.8")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBanInPastIsIgnored(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	require.NoError(t, store.Ban(ctx, "1.2.3.4", time.Now().Add(-time.Minute)))
	_, ok, err := store.BanExpiry(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerWithRedisStore(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	m := NewManager(store, Options{MaxViolations: 2, Window: 10 * time.Minute, BanDuration: 15 * time.Minute}, nil)

	now := time.Now().UTC()
	m.HandleFailure(ctx, failureAt("1.2.3.4", now))
	require.False(t, m.IsBanned(ctx, "1.2.3.4"))
	m.HandleFailure(ctx, failureAt("1.2.3.4", now.Add(time.Second)))
	require.True(t, m.IsBanned(ctx, "1.2.3.4"))
}
