package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inflight struct {
	jobID    string
	deadline time.Time
}

// Memory is a single-process Queue used in tests and local development. It is
// not durable across restarts.
type Memory struct {
	mu         sync.Mutex
	items      []string
	inflight   map[string]inflight
	wake       chan struct{}
	visibility time.Duration
	now        func() time.Time
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue. visibility <= 0 selects
// DefaultVisibility.
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Memory{
		inflight:   make(map[string]inflight),
		wake:       make(chan struct{}),
		visibility: visibility,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (q *Memory) WithClock(now func() time.Time) *Memory {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now != nil {
		q.now = now
	}
	return q
}

func (q *Memory) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, jobID)
	q.signalLocked()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			jobID := q.items[0]
			q.items = q.items[1:]
			token := uuid.NewString()
			q.inflight[token] = inflight{jobID: jobID, deadline: q.now().Add(q.visibility)}
			q.mu.Unlock()
			return Delivery{JobID: jobID, Token: token}, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-wake:
		}
	}
}

func (q *Memory) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Token)
	return nil
}

func (q *Memory) Reclaim(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []inflight
	for token, item := range q.inflight {
		if !item.deadline.After(now) {
			expired = append(expired, item)
			delete(q.inflight, token)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].deadline.Before(expired[j].deadline) })
	head := make([]string, 0, len(expired)+len(q.items))
	for _, item := range expired {
		head = append(head, item.jobID)
	}
	q.items = append(head, q.items...)
	q.signalLocked()
	return len(expired), nil
}

func (q *Memory) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// InFlight reports the number of unacknowledged deliveries.
func (q *Memory) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// signalLocked wakes every blocked Dequeue.
func (q *Memory) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
