package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediapipe/common/logger"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClient(rdb, logger.Discard()), mr
}

func TestClient_QueueRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Enqueue(ctx, "jobs", "a", "b"))

	n, err := c.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	v, ok, err := c.Dequeue(ctx, "jobs", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok, err = c.Dequeue(ctx, "jobs", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestClient_DequeueTimesOutEmpty(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	v, ok, err := c.Dequeue(ctx, "empty", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestClient_GetDelete(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("k1", "v"))
	require.NoError(t, mr.Set("k2", "v"))

	v, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, c.Delete(ctx, "k1", "k2", "missing"))
	assert.False(t, mr.Exists("k1"))
	assert.False(t, mr.Exists("k2"))

	_, err = c.Get(ctx, "k1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClient_Publish(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.Publish(ctx, "events", []byte("nobody"))
	require.NoError(t, err)
	assert.Zero(t, n)

	sub := c.GetUnderlying().Subscribe(ctx, "events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	n, err = c.Publish(ctx, "events", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Payload)
}

func TestClient_ErrorsAfterClose(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	err := c.Enqueue(context.Background(), "jobs", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis RPUSH jobs")
}
