package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	ErrInvalidKind   = errors.New("entry kind must be credit or debit")
	ErrOwnerRequired = errors.New("owner_id is required")
)

// TopUpDescription labels credits created through TopUp.
const TopUpDescription = "balance top-up"

// Service records credits and debits and derives balances from them.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New creates a ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// Record appends an immutable entry. Corrections are made with offsetting
// entries; nothing is ever updated.
func (s *Service) Record(ctx context.Context, ownerID string, amount decimal.Decimal, kind ledger.Kind, description string) (ledger.Entry, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ledger.Entry{}, ErrOwnerRequired
	}
	if !amount.IsPositive() {
		return ledger.Entry{}, ErrInvalidAmount
	}
	if !kind.Valid() {
		return ledger.Entry{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	entry, err := s.store.AppendEntry(ctx, ledger.Entry{
		OwnerID:     ownerID,
		Amount:      amount,
		Kind:        kind,
		Description: strings.TrimSpace(description),
	})
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: append entry: %w", storage.ErrPersistence, err)
	}
	s.log.WithField("owner_id", ownerID).
		WithField("kind", kind).
		WithField("amount", amount.String()).
		Info("ledger entry recorded")
	return entry, nil
}

// TopUp credits the owner's balance.
func (s *Service) TopUp(ctx context.Context, ownerID string, amount decimal.Decimal) (ledger.Entry, error) {
	return s.Record(ctx, ownerID, amount, ledger.KindCredit, TopUpDescription)
}

// Balance returns credits minus debits. Unknown owners have a zero balance.
func (s *Service) Balance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	bal, err := s.store.SumBalance(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: sum balance: %w", storage.ErrPersistence, err)
	}
	return bal, nil
}

// History lists the owner's entries newest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	entries, err := s.store.ListEntries(ctx, strings.TrimSpace(ownerID), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %w", storage.ErrPersistence, err)
	}
	return entries, nil
}
