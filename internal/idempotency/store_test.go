package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "payments", time.Hour), mr
}

func TestStore_SeenAfterMark(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.MarkProcessed(ctx, "evt-1"))

	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStore_Expires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkProcessed(ctx, "evt-1"))
	mr.FastForward(2 * time.Hour)

	seen, err := store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStore_EmptyEventID(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkProcessed(ctx, ""))
	seen, err := store.Seen(ctx, "")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Empty(t, mr.Keys())
}

func TestStore_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Seen(context.Background(), "evt-1")
	assert.Error(t, err)
}
