package predictions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/R3E-Network/prediction_layer/internal/app/services/admission"
	"github.com/R3E-Network/prediction_layer/internal/app/services/engine"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/app/storage/memory"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
	"github.com/R3E-Network/prediction_layer/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type predictorFunc func(ctx context.Context, modelType string, in prediction.Input) (engine.Result, error)

func (f predictorFunc) Predict(ctx context.Context, modelType string, in prediction.Input) (engine.Result, error) {
	return f(ctx, modelType, in)
}

func unavailable() engine.Predictor {
	return predictorFunc(func(context.Context, string, prediction.Input) (engine.Result, error) {
		return engine.Result{}, errors.Join(engine.ErrEngineUnavailable, errors.New("connection refused"))
	})
}

// recordingJobs observes every status a job passes through and can inject
// CompleteJob failures.
type recordingJobs struct {
	storage.JobStore

	mu           sync.Mutex
	statuses     map[string][]prediction.Status
	failComplete int
}

func newRecordingJobs(inner storage.JobStore) *recordingJobs {
	return &recordingJobs{JobStore: inner, statuses: make(map[string][]prediction.Status)}
}

func (r *recordingJobs) ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (prediction.Job, error) {
	job, err := r.JobStore.ClaimJob(ctx, id, now, leaseUntil)
	if err == nil {
		r.record(id, job.Status)
	}
	return job, err
}

func (r *recordingJobs) CompleteJob(ctx context.Context, id string, attempt int, status prediction.Status, result json.RawMessage, now time.Time) (prediction.Job, error) {
	r.mu.Lock()
	if r.failComplete > 0 {
		r.failComplete--
		r.mu.Unlock()
		return prediction.Job{}, errors.New("database is gone")
	}
	r.mu.Unlock()

	job, err := r.JobStore.CompleteJob(ctx, id, attempt, status, result, now)
	if err == nil {
		r.record(id, job.Status)
	}
	return job, err
}

func (r *recordingJobs) record(id string, status prediction.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = append(r.statuses[id], status)
}

func (r *recordingJobs) history(id string) []prediction.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]prediction.Status{prediction.StatusQueued}, r.statuses[id]...)
}

type env struct {
	store     *memory.Store
	jobs      *recordingJobs
	queue     *queue.Memory
	admission *admission.Service
	clock     *testutil.Clock
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	store := memory.New()
	_, err := store.UpsertCatalogItem(ctx, catalog.Item{ID: "rf", Name: "Random Forest", Price: decimal.NewFromInt(10)})
	require.NoError(t, err)
	if balance > 0 {
		_, err = store.AppendEntry(ctx, ledger.Entry{OwnerID: "u1", Amount: decimal.NewFromInt(balance), Kind: ledger.KindCredit})
		require.NoError(t, err)
	}

	q := queue.NewMemory(time.Minute).WithClock(clock.Now)
	adm := admission.New(store, store, q, logger.Discard())
	adm.WithClock(clock.Now)

	return &env{store: store, jobs: newRecordingJobs(store), queue: q, admission: adm, clock: clock}
}

func (e *env) pool(predictor engine.Predictor) *Pool {
	p := NewPool(e.jobs, e.store, e.queue, predictor, nil, PoolConfig{Concurrency: 1, Lease: 2 * time.Minute}, logger.Discard())
	p.WithClock(e.clock.Now)
	return p
}

func (e *env) submit(t *testing.T, input string) prediction.Job {
	t.Helper()
	out, err := e.admission.Submit(context.Background(), "u1", "rf", json.RawMessage(input))
	require.NoError(t, err)
	require.True(t, out.OK(), "submission rejected: %+v", out.Rejected)
	return *out.Accepted
}

func (e *env) debits(t *testing.T) []ledger.Entry {
	t.Helper()
	entries, err := e.store.ListEntries(context.Background(), "u1", 0)
	require.NoError(t, err)
	var debits []ledger.Entry
	for _, entry := range entries {
		if entry.Kind == ledger.KindDebit {
			debits = append(debits, entry)
		}
	}
	return debits
}

func decodeResult(t *testing.T, job prediction.Job) prediction.ResultPayload {
	t.Helper()
	var payload prediction.ResultPayload
	require.NoError(t, json.Unmarshal(job.Result, &payload))
	return payload
}
