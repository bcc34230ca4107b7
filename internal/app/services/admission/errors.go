package admission

import (
	"errors"
	"fmt"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownModel      = errors.New("unknown model")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidInput      = prediction.ErrInvalidInput
)

// InsufficientFundsError carries the amounts behind an ErrInsufficientFunds
// rejection.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
