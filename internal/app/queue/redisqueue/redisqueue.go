// Package redisqueue implements queue.Queue on Redis lists.
//
// Ids are LPUSHed onto the main list and moved atomically onto a processing
// list with BRPOPLPUSH. A sorted set scored by visibility deadline tracks what
// is in flight; Reclaim pushes expired ids back onto the consuming end.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/go-redis/redis/v8"
)

const pollInterval = time.Second

// Queue is a Redis-backed queue.Queue.
type Queue struct {
	client     redis.UniversalClient
	name       string
	processing string
	inflight   string
	visibility time.Duration
	now        func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

// New creates a queue named name on client. Empty name selects
// queue.DefaultName, visibility <= 0 selects queue.DefaultVisibility.
func New(client redis.UniversalClient, name string, visibility time.Duration) *Queue {
	if name == "" {
		name = queue.DefaultName
	}
	if visibility <= 0 {
		visibility = queue.DefaultVisibility
	}
	return &Queue{
		client:     client,
		name:       name,
		processing: name + ":processing",
		inflight:   name + ":inflight",
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.name, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return queue.Delivery{}, err
		}
		jobID, err := q.client.BRPopLPush(ctx, q.name, q.processing, pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return queue.Delivery{}, ctxErr
			}
			return queue.Delivery{}, fmt.Errorf("dequeue: %w", err)
		}

		deadline := q.now().Add(q.visibility)
		if err := q.client.ZAdd(ctx, q.inflight, &redis.Z{Score: score(deadline), Member: jobID}).Err(); err != nil {
			// the id stays on the processing list; Reclaim adopts it
			return queue.Delivery{}, fmt.Errorf("track in-flight %s: %w", jobID, err)
		}
		return queue.Delivery{JobID: jobID, Token: jobID}, nil
	}
}

func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.Token)
		pipe.ZRem(ctx, q.inflight, d.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.JobID, err)
	}
	return nil
}

func (q *Queue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	if err := q.adoptOrphans(ctx, now); err != nil {
		return 0, err
	}

	expired, err := q.client.ZRangeByScore(ctx, q.inflight, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	moved := 0
	for _, jobID := range expired {
		// ZREM decides ownership when several reclaimers race
		removed, err := q.client.ZRem(ctx, q.inflight, jobID).Result()
		if err != nil {
			return moved, fmt.Errorf("reclaim %s: %w", jobID, err)
		}
		if removed == 0 {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, jobID)
			pipe.RPush(ctx, q.name, jobID)
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("requeue %s: %w", jobID, err)
		}
		moved++
	}
	return moved, nil
}

// adoptOrphans gives a deadline to processing-list entries that never made it
// into the in-flight set, so a crash between the two steps is recoverable.
func (q *Queue) adoptOrphans(ctx context.Context, now time.Time) error {
	ids, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}
	deadline := score(now.Add(q.visibility))
	for _, id := range ids {
		// NX keeps existing deadlines untouched
		if err := q.client.ZAddNX(ctx, q.inflight, &redis.Z{Score: deadline, Member: id}).Err(); err != nil {
			return fmt.Errorf("adopt %s: %w", id, err)
		}
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
