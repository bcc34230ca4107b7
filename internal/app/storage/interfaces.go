package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/shopspring/decimal"
)

// LedgerStore persists append-only ledger entries. There is intentionally no
// update or delete.
type LedgerStore interface {
	AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	SumBalance(ctx context.Context, ownerID string) (decimal.Decimal, error)
	// ListEntries returns the owner's entries newest first. limit <= 0 means all.
	ListEntries(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error)
}

// JobStore persists prediction jobs and their lifecycle.
type JobStore interface {
	GetJob(ctx context.Context, id string) (prediction.Job, error)
	// ListJobs returns the owner's jobs newest first. limit <= 0 means all.
	ListJobs(ctx context.Context, ownerID string, limit int) ([]prediction.Job, error)

	// ClaimJob moves a QUEUED job, or a PROCESSING job whose lease expired, to
	// PROCESSING with a new lease and increments its attempt counter. Returns
	// ErrConflict when the job cannot be claimed.
	ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (prediction.Job, error)

	// CompleteJob records a terminal outcome. It applies only while the job is
	// PROCESSING under the given attempt; otherwise ErrConflict.
	CompleteJob(ctx context.Context, id string, attempt int, status prediction.Status, result json.RawMessage, now time.Time) (prediction.Job, error)

	// ListStaleJobs returns QUEUED jobs created before queuedBefore and
	// PROCESSING jobs whose lease expired at or before now, oldest first.
	ListStaleJobs(ctx context.Context, queuedBefore, now time.Time, limit int) ([]prediction.Job, error)
}

// CatalogStore exposes purchasable model definitions.
type CatalogStore interface {
	GetCatalogItem(ctx context.Context, id string) (catalog.Item, error)
	ListCatalogItems(ctx context.Context) ([]catalog.Item, error)
	UpsertCatalogItem(ctx context.Context, item catalog.Item) (catalog.Item, error)
}

// AdmissionTx is the view of storage available inside an owner-scoped unit.
// Everything written through it commits or rolls back together.
type AdmissionTx interface {
	Balance(ctx context.Context, ownerID string) (decimal.Decimal, error)
	CreateJob(ctx context.Context, job prediction.Job) (prediction.Job, error)
	AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
}

// Transactor runs fn inside an atomic unit serialised per owner. A non-nil
// error from fn discards every write made through the tx.
type Transactor interface {
	WithinOwnerTx(ctx context.Context, ownerID string, fn func(tx AdmissionTx) error) error
}
