package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes credits from debits. Amounts are always positive; the
// kind carries the sign.
type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	return k == KindCredit || k == KindDebit
}

// Entry is an immutable record of a single credit or debit to an owner.
type Entry struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Signed returns the entry's contribution to the owner's balance.
func (e Entry) Signed() decimal.Decimal {
	if e.Kind == KindDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Sum folds entries into a balance.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Signed())
	}
	return total
}
