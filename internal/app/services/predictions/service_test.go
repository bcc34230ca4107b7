package predictions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/app/storage/memory"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_OwnerScopedQueries(t *testing.T) {
	e := newEnv(t, 50)
	ctx := context.Background()
	_, err := e.store.AppendEntry(ctx, ledger.Entry{OwnerID: "u2", Amount: decimal.NewFromInt(10), Kind: ledger.KindCredit})
	require.NoError(t, err)

	first := e.submit(t, `{"period":1}`)
	e.clock.Advance(1)
	second := e.submit(t, `{"period":2}`)

	svc := New(e.store, logger.Discard())

	job, err := svc.GetJob(ctx, first.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID)

	_, err = svc.GetJob(ctx, first.ID, "u2")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "foreign jobs look missing")

	_, err = svc.GetJob(ctx, "missing", "u1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	jobs, err := svc.ListJobs(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)

	others, err := svc.ListJobs(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestService_ListJobsReturnsFullHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		err := store.WithinOwnerTx(ctx, "u1", func(tx storage.AdmissionTx) error {
			_, err := tx.CreateJob(ctx, prediction.Job{
				ID:            fmt.Sprintf("job-%03d", i),
				OwnerID:       "u1",
				CatalogItemID: "rf",
				Input:         json.RawMessage(`{"period":1}`),
				CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			})
			return err
		})
		require.NoError(t, err)
	}

	svc := New(store, logger.Discard())

	all, err := svc.ListJobs(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, all, 150)
	assert.Equal(t, "job-149", all[0].ID)
	assert.Equal(t, "job-000", all[149].ID)

	page, err := svc.ListJobs(ctx, "u1", 20)
	require.NoError(t, err)
	assert.Len(t, page, 20)
}
