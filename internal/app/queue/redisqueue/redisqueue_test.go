package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "", time.Minute), srv
}

func TestEnqueueDequeueAckFIFO(t *testing.T) {
	q, srv := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.JobID)

	inflight, err := srv.ZMembers("predict_queue:inflight")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, inflight)

	require.NoError(t, q.Ack(ctx, first))
	assert.False(t, srv.Exists("predict_queue:inflight"))

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second.JobID)
}

func TestDequeueReturnsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
}

func TestReclaimRedeliversExpired(t *testing.T) {
	q, _ := newTestQueue(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "first"))
	require.NoError(t, q.Enqueue(ctx, "second"))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", d.JobID)

	moved, err := q.Reclaim(ctx, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	moved, err = q.Reclaim(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", again.JobID, "reclaimed id goes to the head")
}

func TestReclaimAdoptsOrphans(t *testing.T) {
	q, srv := newTestQueue(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, err := srv.Lpush("predict_queue:processing", "orphan")
	require.NoError(t, err)

	moved, err := q.Reclaim(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	moved, err = q.Reclaim(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
