// Package queue defines the durable FIFO of job ids that feeds the worker pool.
//
// Delivery is at-least-once: a dequeued id sits in an in-flight set until it
// is acknowledged, and Reclaim returns ids whose visibility deadline passed to
// the head of the queue.
package queue

import (
	"context"
	"time"
)

// DefaultName is the queue every prediction job goes through.
const DefaultName = "predict_queue"

// DefaultVisibility is how long a dequeued id stays hidden before Reclaim
// makes it available again.
const DefaultVisibility = 2 * time.Minute

// Delivery is a dequeued job id plus the handle used to acknowledge it.
type Delivery struct {
	JobID string
	Token string
}

// Queue is the contract shared by the Redis and in-memory implementations.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Reclaim requeues expired in-flight ids and reports how many moved.
	Reclaim(ctx context.Context, now time.Time) (int, error)
	// Len reports the number of ids waiting to be dequeued.
	Len(ctx context.Context) (int64, error)
}
