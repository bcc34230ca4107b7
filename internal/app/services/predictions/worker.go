package predictions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/events"
	"github.com/R3E-Network/prediction_layer/internal/app/metrics"
	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/R3E-Network/prediction_layer/internal/app/services/engine"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/app/system"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

const (
	DefaultConcurrency = 2
	DefaultLease       = 2 * time.Minute
	dequeueBackoff     = time.Second
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// Concurrency is the number of loops; each handles one job at a time.
	Concurrency int
	// Lease is how long a claim protects a job from other workers.
	Lease time.Duration
}

// Pool pulls job ids from the queue and drives each job to a terminal state.
type Pool struct {
	jobs      storage.JobStore
	catalog   storage.CatalogStore
	queue     queue.Queue
	predictor engine.Predictor
	publisher events.Publisher
	cfg       PoolConfig
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Pool)(nil)

// NewPool constructs a worker pool. A nil predictor sends every job to the
// fallback; a nil publisher drops completion events.
func NewPool(jobs storage.JobStore, items storage.CatalogStore, q queue.Queue, predictor engine.Predictor, publisher events.Publisher, cfg PoolConfig, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefault("prediction-worker")
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Pool{
		jobs:      jobs,
		catalog:   items,
		queue:     q,
		predictor: predictor,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (p *Pool) WithClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

func (p *Pool) Name() string { return "prediction-worker" }

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(runCtx, id)
		}(i)
	}

	p.log.WithField("concurrency", p.cfg.Concurrency).Info("prediction worker pool started")
	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.log.Info("prediction worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.WithField("worker", id)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		// a started job runs to completion even while the pool shuts down
		_ = p.Process(context.WithoutCancel(ctx), d)
	}
}

// Process handles one delivery. It acknowledges the delivery once the job is
// terminal, missing, or owned elsewhere, and leaves it unacknowledged when a
// store write fails so the queue redelivers it.
func (p *Pool) Process(ctx context.Context, d queue.Delivery) error {
	log := p.log.WithField("job_id", d.JobID)

	job, err := p.jobs.GetJob(ctx, d.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("dequeued job not found; dropping")
		return p.ack(ctx, d)
	}
	if err != nil {
		log.WithError(err).Error("load job failed")
		return fmt.Errorf("%w: load job: %w", storage.ErrPersistence, err)
	}
	if job.Status.Terminal() {
		log.WithField("status", job.Status).Debug("job already terminal; skipping redelivery")
		return p.ack(ctx, d)
	}

	now := p.now()
	claimed, err := p.jobs.ClaimJob(ctx, job.ID, now, now.Add(p.cfg.Lease))
	if errors.Is(err, storage.ErrConflict) {
		log.Info("job claimed by another worker; leaving delivery")
		return nil
	}
	if err != nil {
		log.WithError(err).Error("claim job failed")
		return fmt.Errorf("%w: claim job: %w", storage.ErrPersistence, err)
	}
	log = log.WithField("attempt", claimed.Attempts)

	status, source, result := p.run(ctx, claimed)
	raw, err := json.Marshal(result)
	if err != nil {
		status, source = prediction.StatusError, ""
		raw, _ = json.Marshal(prediction.ErrorPayload{Error: "encode result: " + err.Error()})
	}

	done, err := p.jobs.CompleteJob(ctx, claimed.ID, claimed.Attempts, status, raw, p.now())
	if errors.Is(err, storage.ErrConflict) {
		log.Warn("lost job lease before completion; dropping result")
		return p.ack(ctx, d)
	}
	if err != nil {
		log.WithError(err).Error("persist job result failed")
		return fmt.Errorf("%w: complete job: %w", storage.ErrPersistence, err)
	}

	metrics.RecordJobCompletion(string(done.Status), source, p.now().Sub(now))
	log.WithField("status", done.Status).WithField("source", source).Info("prediction job finished")

	evt := events.Completed(done, source)
	if err := p.publisher.Publish(ctx, events.TopicPredictionCompleted, evt.Key(), evt); err != nil {
		log.WithError(err).Warn("publish completion event failed")
	}
	return p.ack(ctx, d)
}

// run computes the job outcome: the engine result, else the fallback, else an
// error payload.
func (p *Pool) run(ctx context.Context, job prediction.Job) (prediction.Status, string, any) {
	log := p.log.WithField("job_id", job.ID)

	in, err := prediction.ParseInput(job.Input)
	if err != nil {
		return prediction.StatusError, "", prediction.ErrorPayload{Error: err.Error()}
	}

	seed := engine.SeedFor(job.ID)
	if p.predictor != nil {
		res, err := p.predictor.Predict(ctx, p.modelType(ctx, job), in)
		if err == nil {
			return prediction.StatusDone, prediction.SourceEngine,
				engine.ConvertToJobResult(res, in, rand.New(rand.NewSource(seed)), job.CreatedAt)
		}
		log.WithError(err).WithField("engine_unavailable", errors.Is(err, engine.ErrEngineUnavailable)).
			Warn("engine prediction failed; using fallback predictor")
	}

	payload, err := engine.Fallback(in, seed, job.CreatedAt)
	if err != nil {
		log.WithError(err).Warn("fallback predictor failed")
		return prediction.StatusError, "", prediction.ErrorPayload{Error: err.Error()}
	}
	return prediction.StatusDone, prediction.SourceFallback, payload
}

func (p *Pool) modelType(ctx context.Context, job prediction.Job) string {
	if p.catalog == nil {
		return catalog.DefaultModelType
	}
	item, err := p.catalog.GetCatalogItem(ctx, job.CatalogItemID)
	if err != nil {
		p.log.WithError(err).
			WithField("job_id", job.ID).
			WithField("catalog_item_id", job.CatalogItemID).
			Warn("catalog lookup failed; using default model")
		return catalog.DefaultModelType
	}
	return item.EngineModel()
}

func (p *Pool) ack(ctx context.Context, d queue.Delivery) error {
	if err := p.queue.Ack(ctx, d); err != nil {
		p.log.WithError(err).WithField("job_id", d.JobID).Warn("ack failed")
		return err
	}
	return nil
}
