package predictions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/metrics"
	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/app/system"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
	"github.com/robfig/cron/v3"
)

const (
	DefaultReconcileSchedule = "@every 30s"
	DefaultQueuedGrace       = 10 * time.Minute
	DefaultReconcileBatch    = 100
)

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	// Schedule is a cron spec such as "@every 30s".
	Schedule string
	// QueuedGrace is how long a QUEUED job may wait before it is assumed to
	// have missed the queue.
	QueuedGrace time.Duration
	BatchSize   int
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Reclaimed     int
	StaleQueued   int
	ExpiredLeases int
	QueueDepth    int64
}

// Reconciler periodically repairs the gap between the job store and the
// queue: expired in-flight deliveries go back on the queue, and jobs the store
// still considers pending are enqueued again.
type Reconciler struct {
	jobs  storage.JobStore
	queue queue.Queue
	cfg   ReconcilerConfig
	log   *logger.Logger
	now   func() time.Time

	mu          sync.Mutex
	cron        *cron.Cron
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler constructs a reconciler.
func NewReconciler(jobs storage.JobStore, q queue.Queue, cfg ReconcilerConfig, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("prediction-reconciler")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultReconcileSchedule
	}
	if cfg.QueuedGrace <= 0 {
		cfg.QueuedGrace = DefaultQueuedGrace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcileBatch
	}
	return &Reconciler{
		jobs:        jobs,
		queue:       q,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		nextAttempt: make(map[string]time.Time),
	}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Reconciler) Name() string { return "prediction-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c
	r.running = true

	r.log.WithField("schedule", r.cfg.Schedule).Info("prediction reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("prediction reconciler stopped")
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	report, err := r.RunOnce(ctx)
	if err != nil {
		r.log.WithError(err).Warn("reconcile pass failed")
		return
	}
	if report.Reclaimed+report.StaleQueued+report.ExpiredLeases > 0 {
		r.log.WithField("reclaimed", report.Reclaimed).
			WithField("stale_queued", report.StaleQueued).
			WithField("expired_leases", report.ExpiredLeases).
			Info("reconcile pass requeued jobs")
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := r.now()

	reclaimed, err := r.queue.Reclaim(ctx, now)
	if err != nil {
		return report, fmt.Errorf("reclaim deliveries: %w", err)
	}
	report.Reclaimed = reclaimed
	metrics.RecordRequeue("visibility", reclaimed)

	stale, err := r.jobs.ListStaleJobs(ctx, now.Add(-r.cfg.QueuedGrace), now, r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("%w: list stale jobs: %w", storage.ErrPersistence, err)
	}

	r.pruneAttempts(now)
	for _, job := range stale {
		if !r.shouldAttempt(job.ID, now) {
			continue
		}
		if err := r.queue.Enqueue(ctx, job.ID); err != nil {
			return report, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		r.scheduleNext(job.ID, now)
		if job.Status == prediction.StatusQueued {
			report.StaleQueued++
		} else {
			report.ExpiredLeases++
		}
	}
	metrics.RecordRequeue("stale_queued", report.StaleQueued)
	metrics.RecordRequeue("expired_lease", report.ExpiredLeases)

	depth, err := r.queue.Len(ctx)
	if err != nil {
		return report, fmt.Errorf("queue length: %w", err)
	}
	report.QueueDepth = depth
	metrics.SetQueueDepth(depth)
	return report, nil
}

// A job is requeued at most once per grace period so a long but healthy
// backlog does not multiply.
func (r *Reconciler) shouldAttempt(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextAttempt[id]
	return !ok || !now.Before(next)
}

func (r *Reconciler) scheduleNext(id string, now time.Time) {
	r.mu.Lock()
	r.nextAttempt[id] = now.Add(r.cfg.QueuedGrace)
	r.mu.Unlock()
}

func (r *Reconciler) pruneAttempts(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, next := range r.nextAttempt {
		if now.After(next.Add(r.cfg.QueuedGrace)) {
			delete(r.nextAttempt, id)
		}
	}
}
