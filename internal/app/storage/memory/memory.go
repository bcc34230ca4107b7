package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu        sync.RWMutex
	entries   map[string][]ledger.Entry
	debitRefs map[string]struct{}
	jobs      map[string]prediction.Job
	jobOrder  []string
	catalog   map[string]catalog.Item

	locksMu    sync.Mutex
	ownerLocks map[string]*sync.Mutex
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.CatalogStore = (*Store)(nil)
var _ storage.Transactor = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:    make(map[string][]ledger.Entry),
		debitRefs:  make(map[string]struct{}),
		jobs:       make(map[string]prediction.Job),
		catalog:    make(map[string]catalog.Item),
		ownerLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) ownerLock(ownerID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.ownerLocks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		s.ownerLocks[ownerID] = lock
	}
	return lock
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	entry, err := prepareEntry(entry)
	if err != nil {
		return ledger.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEntryLocked(entry); err != nil {
		return ledger.Entry{}, err
	}
	s.appendEntryLocked(entry)
	return entry, nil
}

func (s *Store) SumBalance(_ context.Context, ownerID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledger.Sum(s.entries[ownerID]), nil
}

func (s *Store) ListEntries(_ context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.entries[ownerID]
	result := make([]ledger.Entry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		result = append(result, src[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func prepareEntry(entry ledger.Entry) (ledger.Entry, error) {
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
	return entry, nil
}

func (s *Store) checkEntryLocked(entry ledger.Entry) error {
	if entry.Kind == ledger.KindDebit && entry.ReferenceID != "" {
		if _, exists := s.debitRefs[entry.ReferenceID]; exists {
			return fmt.Errorf("debit for reference %s: %w", entry.ReferenceID, storage.ErrConflict)
		}
	}
	return nil
}

func (s *Store) appendEntryLocked(entry ledger.Entry) {
	s.entries[entry.OwnerID] = append(s.entries[entry.OwnerID], entry)
	if entry.Kind == ledger.KindDebit && entry.ReferenceID != "" {
		s.debitRefs[entry.ReferenceID] = struct{}{}
	}
}

// JobStore implementation -----------------------------------------------------

func (s *Store) GetJob(_ context.Context, id string) (prediction.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return prediction.Job{}, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context, ownerID string, limit int) ([]prediction.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []prediction.Job
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		job := s.jobs[s.jobOrder[i]]
		if job.OwnerID != ownerID {
			continue
		}
		result = append(result, job.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ClaimJob(_ context.Context, id string, now, leaseUntil time.Time) (prediction.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return prediction.Job{}, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err := prediction.CheckTransition(job.Status, prediction.StatusProcessing); err != nil {
		return prediction.Job{}, fmt.Errorf("claim job %s: %w: %w", id, storage.ErrConflict, err)
	}
	if !job.Claimable(now) {
		return prediction.Job{}, fmt.Errorf("claim job %s: lease held: %w", id, storage.ErrConflict)
	}

	started := now.UTC()
	lease := leaseUntil.UTC()
	job.Status = prediction.StatusProcessing
	job.Attempts++
	job.StartedAt = &started
	job.LeaseExpiresAt = &lease
	s.jobs[id] = job
	return job.Clone(), nil
}

func (s *Store) CompleteJob(_ context.Context, id string, attempt int, status prediction.Status, result json.RawMessage, now time.Time) (prediction.Job, error) {
	if !status.Terminal() {
		return prediction.Job{}, fmt.Errorf("%w: complete with %s", prediction.ErrInvalidTransition, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return prediction.Job{}, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err := prediction.CheckTransition(job.Status, status); err != nil {
		return prediction.Job{}, fmt.Errorf("complete job %s: %w: %w", id, storage.ErrConflict, err)
	}
	if job.Attempts != attempt {
		return prediction.Job{}, fmt.Errorf("complete job %s attempt %d: %w", id, attempt, storage.ErrConflict)
	}

	completed := now.UTC()
	job.Status = status
	job.Result = append(json.RawMessage(nil), result...)
	job.CompletedAt = &completed
	job.LeaseExpiresAt = nil
	s.jobs[id] = job
	return job.Clone(), nil
}

func (s *Store) ListStaleJobs(_ context.Context, queuedBefore, now time.Time, limit int) ([]prediction.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []prediction.Job
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		switch {
		case job.Status == prediction.StatusQueued && job.CreatedAt.Before(queuedBefore):
		case job.Status == prediction.StatusProcessing && job.Claimable(now):
		default:
			continue
		}
		result = append(result, job.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// CatalogStore implementation -------------------------------------------------

func (s *Store) GetCatalogItem(_ context.Context, id string) (catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.catalog[id]
	if !ok {
		return catalog.Item{}, fmt.Errorf("catalog item %s: %w", id, storage.ErrNotFound)
	}
	return item, nil
}

func (s *Store) ListCatalogItems(_ context.Context) ([]catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]catalog.Item, 0, len(s.catalog))
	for _, item := range s.catalog {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpsertCatalogItem(_ context.Context, item catalog.Item) (catalog.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ModelType == "" {
		item.ModelType = catalog.DefaultModelType
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[item.ID] = item
	return item, nil
}

// Transactor implementation ---------------------------------------------------

// WithinOwnerTx serialises units per owner and stages writes until fn returns.
func (s *Store) WithinOwnerTx(ctx context.Context, ownerID string, fn func(tx storage.AdmissionTx) error) error {
	lock := s.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &stagedTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *stagedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range tx.jobs {
		if _, exists := s.jobs[job.ID]; exists {
			return fmt.Errorf("job %s already exists: %w", job.ID, storage.ErrConflict)
		}
	}
	for _, entry := range tx.entries {
		if err := s.checkEntryLocked(entry); err != nil {
			return err
		}
	}

	for _, job := range tx.jobs {
		s.jobs[job.ID] = job
		s.jobOrder = append(s.jobOrder, job.ID)
	}
	for _, entry := range tx.entries {
		s.appendEntryLocked(entry)
	}
	return nil
}

type stagedTx struct {
	store   *Store
	jobs    []prediction.Job
	entries []ledger.Entry
}

func (tx *stagedTx) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	committed, err := tx.store.SumBalance(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	var pending []ledger.Entry
	for _, entry := range tx.entries {
		if entry.OwnerID == ownerID {
			pending = append(pending, entry)
		}
	}
	return committed.Add(ledger.Sum(pending)), nil
}

func (tx *stagedTx) CreateJob(_ context.Context, job prediction.Job) (prediction.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = prediction.StatusQueued
	job.Result = nil
	job.Attempts = 0
	job.StartedAt = nil
	job.LeaseExpiresAt = nil
	job.CompletedAt = nil
	job = job.Clone()
	tx.jobs = append(tx.jobs, job)
	return job.Clone(), nil
}

func (tx *stagedTx) AppendEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	entry, err := prepareEntry(entry)
	if err != nil {
		return ledger.Entry{}, err
	}
	tx.entries = append(tx.entries, entry)
	return entry, nil
}
