package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.CatalogStore = (*Store)(nil)
var _ storage.Transactor = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

const jobColumns = `id, owner_id, catalog_item_id, status, input, result, attempts,
	created_at, started_at, lease_expires_at, completed_at`

type jobRow struct {
	ID             string       `db:"id"`
	OwnerID        string       `db:"owner_id"`
	CatalogItemID  string       `db:"catalog_item_id"`
	Status         string       `db:"status"`
	Input          []byte       `db:"input"`
	Result         []byte       `db:"result"`
	Attempts       int          `db:"attempts"`
	CreatedAt      time.Time    `db:"created_at"`
	StartedAt      sql.NullTime `db:"started_at"`
	LeaseExpiresAt sql.NullTime `db:"lease_expires_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
}

func (r jobRow) toJob() prediction.Job {
	job := prediction.Job{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		CatalogItemID:  r.CatalogItemID,
		Status:         prediction.Status(r.Status),
		Attempts:       r.Attempts,
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      nullTime(r.StartedAt),
		LeaseExpiresAt: nullTime(r.LeaseExpiresAt),
		CompletedAt:    nullTime(r.CompletedAt),
	}
	if len(r.Input) > 0 {
		job.Input = json.RawMessage(r.Input)
	}
	if len(r.Result) > 0 {
		job.Result = json.RawMessage(r.Result)
	}
	return job
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

type entryRow struct {
	ID          string          `db:"id"`
	OwnerID     string          `db:"owner_id"`
	Amount      decimal.Decimal `db:"amount"`
	Kind        string          `db:"kind"`
	Description string          `db:"description"`
	ReferenceID string          `db:"reference_id"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r entryRow) toEntry() ledger.Entry {
	return ledger.Entry{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Amount:      r.Amount,
		Kind:        ledger.Kind(r.Kind),
		Description: r.Description,
		ReferenceID: r.ReferenceID,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

type catalogRow struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	Description string          `db:"description"`
	Price       decimal.Decimal `db:"price"`
	ModelType   string          `db:"model_type"`
}

func (r catalogRow) toItem() catalog.Item {
	return catalog.Item{ID: r.ID, Name: r.Name, Description: r.Description, Price: r.Price, ModelType: r.ModelType}
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	return appendEntry(ctx, s.db, entry)
}

func (s *Store) SumBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	return sumBalance(ctx, s.db, ownerID)
}

func (s *Store) ListEntries(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	var rows []entryRow
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, owner_id, amount, kind, description, reference_id, created_at
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0)
	`, ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	result := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toEntry())
	}
	return result, nil
}

func appendEntry(ctx context.Context, exec sqlx.ExecerContext, entry ledger.Entry) (ledger.Entry, error) {
	if !entry.Amount.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("ledger entry amount must be positive")
	}
	if !entry.Kind.Valid() {
		return ledger.Entry{}, fmt.Errorf("ledger entry kind %q is invalid", entry.Kind)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, amount, kind, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.OwnerID, entry.Amount, string(entry.Kind), entry.Description, entry.ReferenceID, entry.CreatedAt)
	if err != nil {
		return ledger.Entry{}, mapWriteError(err)
	}
	return entry, nil
}

func sumBalance(ctx context.Context, q sqlx.QueryerContext, ownerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, q, &balance, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'credit' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// --- JobStore ---------------------------------------------------------------

func (s *Store) GetJob(ctx context.Context, id string) (prediction.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, s.db, &row, `SELECT `+jobColumns+` FROM prediction_jobs WHERE id = $1`, id)
	if err != nil {
		return prediction.Job{}, mapReadError(err, "job "+id)
	}
	return row.toJob(), nil
}

func (s *Store) ListJobs(ctx context.Context, ownerID string, limit int) ([]prediction.Job, error) {
	var rows []jobRow
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT `+jobColumns+`
		FROM prediction_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0)
	`, ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return toJobs(rows), nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (prediction.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, s.db, &row, `
		UPDATE prediction_jobs
		SET status = 'processing', attempts = attempts + 1, started_at = $2, lease_expires_at = $3
		WHERE id = $1
		  AND (status = 'queued'
		       OR (status = 'processing' AND (lease_expires_at IS NULL OR lease_expires_at <= $2)))
		RETURNING `+jobColumns, id, now.UTC(), leaseUntil.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return prediction.Job{}, s.explainMiss(ctx, id, "claim", prediction.StatusProcessing)
	}
	if err != nil {
		return prediction.Job{}, err
	}
	return row.toJob(), nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, attempt int, status prediction.Status, result json.RawMessage, now time.Time) (prediction.Job, error) {
	if !status.Terminal() {
		return prediction.Job{}, fmt.Errorf("%w: complete with %s", prediction.ErrInvalidTransition, status)
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}

	var row jobRow
	err := sqlx.GetContext(ctx, s.db, &row, `
		UPDATE prediction_jobs
		SET status = $2, result = $3, completed_at = $4, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing' AND attempts = $5
		RETURNING `+jobColumns, id, string(status), string(result), now.UTC(), attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return prediction.Job{}, s.explainMiss(ctx, id, "complete", status)
	}
	if err != nil {
		return prediction.Job{}, err
	}
	return row.toJob(), nil
}

func (s *Store) ListStaleJobs(ctx context.Context, queuedBefore, now time.Time, limit int) ([]prediction.Job, error) {
	var rows []jobRow
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT `+jobColumns+`
		FROM prediction_jobs
		WHERE (status = 'queued' AND created_at < $1)
		   OR (status = 'processing' AND (lease_expires_at IS NULL OR lease_expires_at <= $2))
		ORDER BY created_at
		LIMIT NULLIF($3, 0)
	`, queuedBefore.UTC(), now.UTC(), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return toJobs(rows), nil
}

// explainMiss distinguishes a missing job from a conditional update that did
// not match.
func (s *Store) explainMiss(ctx context.Context, id, op string, next prediction.Status) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := prediction.CheckTransition(job.Status, next); err != nil {
		return fmt.Errorf("%s job %s: %w: %w", op, id, storage.ErrConflict, err)
	}
	return fmt.Errorf("%s job %s in status %s: %w", op, id, job.Status, storage.ErrConflict)
}

func createJob(ctx context.Context, exec sqlx.ExecerContext, job prediction.Job) (prediction.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if len(job.Input) == 0 {
		job.Input = json.RawMessage(`{}`)
	}
	job.Status = prediction.StatusQueued
	job.Result = nil
	job.Attempts = 0
	job.StartedAt, job.LeaseExpiresAt, job.CompletedAt = nil, nil, nil

	_, err := exec.ExecContext(ctx, `
		INSERT INTO prediction_jobs (id, owner_id, catalog_item_id, status, input, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, job.ID, job.OwnerID, job.CatalogItemID, string(job.Status), string(job.Input), job.CreatedAt)
	if err != nil {
		return prediction.Job{}, mapWriteError(err)
	}
	return job, nil
}

func toJobs(rows []jobRow) []prediction.Job {
	result := make([]prediction.Job, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toJob())
	}
	return result
}

// --- CatalogStore -----------------------------------------------------------

func (s *Store) GetCatalogItem(ctx context.Context, id string) (catalog.Item, error) {
	var row catalogRow
	err := sqlx.GetContext(ctx, s.db, &row, `
		SELECT id, name, description, price, model_type
		FROM catalog_items
		WHERE id = $1
	`, id)
	if err != nil {
		return catalog.Item{}, mapReadError(err, "catalog item "+id)
	}
	return row.toItem(), nil
}

func (s *Store) ListCatalogItems(ctx context.Context) ([]catalog.Item, error) {
	var rows []catalogRow
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, name, description, price, model_type
		FROM catalog_items
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	result := make([]catalog.Item, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toItem())
	}
	return result, nil
}

func (s *Store) UpsertCatalogItem(ctx context.Context, item catalog.Item) (catalog.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ModelType == "" {
		item.ModelType = catalog.DefaultModelType
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_items (id, name, description, price, model_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
		    price = EXCLUDED.price, model_type = EXCLUDED.model_type
	`, item.ID, item.Name, item.Description, item.Price, item.ModelType)
	if err != nil {
		return catalog.Item{}, err
	}
	return item, nil
}

// --- Transactor -------------------------------------------------------------

// WithinOwnerTx runs fn in a transaction holding a transaction-scoped advisory
// lock keyed by the owner, so concurrent admissions for one owner serialise
// across processes.
func (s *Store) WithinOwnerTx(ctx context.Context, ownerID string, fn func(tx storage.AdmissionTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("lock owner %s: %w", ownerID, err)
	}
	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	return sumBalance(ctx, t.tx, ownerID)
}

func (t *pgTx) CreateJob(ctx context.Context, job prediction.Job) (prediction.Job, error) {
	return createJob(ctx, t.tx, job)
}

func (t *pgTx) AppendEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	return appendEntry(ctx, t.tx, entry)
}

func normalizeLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}

func mapReadError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return err
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, storage.ErrConflict)
	}
	return err
}
