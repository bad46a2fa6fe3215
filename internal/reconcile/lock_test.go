package reconcile_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrade/ledger-engine/internal/reconcile"
)

const leasePrefix = "evetrade:sync-lease:"

func newTestRedisLocker(t *testing.T, ttl time.Duration, logger *slog.Logger) (*reconcile.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return reconcile.NewRedisLocker(rdb, ttl, logger), mr
}

func TestRedisLocker_SecondAcquireRejected(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLocker(t, time.Minute, nil)

	release, err := l.Acquire(ctx, "principal:1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(leasePrefix+"principal:1"))

	_, err = l.Acquire(ctx, "principal:1")
	assert.ErrorIs(t, err, reconcile.ErrSyncInProgress)

	other, err := l.Acquire(ctx, "principal:2")
	require.NoError(t, err, "leases are per key")
	other()

	release()
	assert.False(t, mr.Exists(leasePrefix+"principal:1"))

	again, err := l.Acquire(ctx, "principal:1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestRedisLocker(t, time.Minute, nil)

	stale, err := l.Acquire(ctx, "principal:1")
	require.NoError(t, err)

	mr.FastForward(time.Minute + time.Second)
	require.False(t, mr.Exists(leasePrefix+"principal:1"), "lease should have expired")

	current, err := l.Acquire(ctx, "principal:1")
	require.NoError(t, err)
	holder, err := mr.Get(leasePrefix + "principal:1")
	require.NoError(t, err)

	stale()
	got, err := mr.Get(leasePrefix + "principal:1")
	require.NoError(t, err, "stale release must not delete the new lease")
	assert.Equal(t, holder, got)

	_, err = l.Acquire(ctx, "principal:1")
	assert.ErrorIs(t, err, reconcile.ErrSyncInProgress)

	current()
	assert.False(t, mr.Exists(leasePrefix+"principal:1"))
}

func TestRedisLocker_FailedReleaseLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l, mr := newTestRedisLocker(t, time.Minute, logger)

	release, err := l.Acquire(context.Background(), "principal:1")
	require.NoError(t, err)

	mr.Close()
	release()
	assert.Contains(t, buf.String(), "sync lease release failed")
	assert.Contains(t, buf.String(), leasePrefix+"principal:1")
}
