package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/catalog"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/metrics"
	"github.com/R3E-Network/prediction_layer/internal/app/queue"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
	"github.com/google/uuid"
)

// errRejected aborts the owner unit without surfacing as a failure.
var errRejected = errors.New("admission rejected")

// Service admits paid prediction requests: it debits the owner and records a
// QUEUED job in one atomic unit, then hands the job id to the queue.
type Service struct {
	catalog storage.CatalogStore
	tx      storage.Transactor
	queue   queue.Queue
	log     *logger.Logger
	now     func() time.Time
}

// New creates an admission service.
func New(items storage.CatalogStore, tx storage.Transactor, q queue.Queue, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("admission")
	}
	return &Service{
		catalog: items,
		tx:      tx,
		queue:   q,
		log:     log,
		now:     time.Now,
	}
}

// WithClock overrides the time source used for job timestamps.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Submit validates and admits a request. Business rejections come back as a
// Rejected outcome with nothing written; the error return is reserved for
// storage failures, which also leave nothing written.
func (s *Service) Submit(ctx context.Context, ownerID, catalogItemID string, input json.RawMessage) (Outcome, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return s.reject(Rejection{Reason: ReasonInvalidInput, Message: "owner_id is required"}), nil
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if _, err := prediction.ParseInput(input); err != nil {
		return s.reject(Rejection{Reason: ReasonInvalidInput, Message: err.Error()}), nil
	}

	item, err := s.catalog.GetCatalogItem(ctx, strings.TrimSpace(catalogItemID))
	if errors.Is(err, storage.ErrNotFound) {
		return s.reject(Rejection{Reason: ReasonUnknownModel, Message: fmt.Sprintf("model %q not found", catalogItemID)}), nil
	}
	if err != nil {
		metrics.RecordAdmission("error")
		return Outcome{}, fmt.Errorf("%w: resolve catalog item: %w", storage.ErrPersistence, err)
	}

	var (
		job       prediction.Job
		rejection *Rejection
	)
	err = s.tx.WithinOwnerTx(ctx, ownerID, func(tx storage.AdmissionTx) error {
		balance, err := tx.Balance(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if balance.LessThan(item.Price) {
			rejection = &Rejection{
				Reason:    ReasonInsufficientFunds,
				Message:   "insufficient funds",
				Required:  item.Price,
				Available: balance,
			}
			return errRejected
		}

		job, err = tx.CreateJob(ctx, prediction.Job{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			CatalogItemID: item.ID,
			Input:         input,
			CreatedAt:     s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		_, err = tx.AppendEntry(ctx, ledger.Entry{
			OwnerID:     ownerID,
			Amount:      item.Price,
			Kind:        ledger.KindDebit,
			Description: debitDescription(item),
			ReferenceID: job.ID,
			CreatedAt:   job.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("append debit: %w", err)
		}
		return nil
	})
	if errors.Is(err, errRejected) && rejection != nil {
		return s.reject(*rejection), nil
	}
	if err != nil {
		metrics.RecordAdmission("error")
		return Outcome{}, fmt.Errorf("%w: admit job: %w", storage.ErrPersistence, err)
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// the job stays QUEUED; the reconciler enqueues it later
		s.log.WithError(err).
			WithField("job_id", job.ID).
			Warn("enqueue failed after admission")
	}

	metrics.RecordAdmission("accepted")
	s.log.WithField("job_id", job.ID).
		WithField("owner_id", ownerID).
		WithField("catalog_item_id", item.ID).
		WithField("price", item.Price.String()).
		Info("prediction job admitted")
	return accepted(job), nil
}

func (s *Service) reject(r Rejection) Outcome {
	metrics.RecordAdmission(string(r.Reason))
	entry := s.log.WithField("reason", r.Reason)
	if r.Reason == ReasonInsufficientFunds {
		entry = entry.WithField("required", r.Required.String()).WithField("available", r.Available.String())
	}
	entry.Info("prediction submission rejected")
	return rejected(r)
}

func debitDescription(item catalog.Item) string {
	return "Prediction request: " + item.Name
}
