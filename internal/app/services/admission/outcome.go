package admission

import (
	"fmt"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/shopspring/decimal"
)

// Reason identifies why a submission was rejected.
type Reason string

const (
	ReasonUnknownModel      Reason = "unknown_model"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonInvalidInput      Reason = "invalid_input"
)

// Rejection describes a submission turned away before anything was written.
type Rejection struct {
	Reason    Reason
	Message   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

// Err converts the rejection into the matching sentinel error.
func (r Rejection) Err() error {
	switch r.Reason {
	case ReasonInsufficientFunds:
		return &InsufficientFundsError{Required: r.Required, Available: r.Available}
	case ReasonUnknownModel:
		return fmt.Errorf("%w: %s", ErrUnknownModel, r.Message)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidInput, r.Message)
	}
}

// Outcome is the result of Submit: exactly one of Accepted or Rejected is set.
type Outcome struct {
	Accepted *prediction.Job
	Rejected *Rejection
}

func accepted(job prediction.Job) Outcome {
	return Outcome{Accepted: &job}
}

func rejected(r Rejection) Outcome {
	return Outcome{Rejected: &r}
}

// OK reports whether the submission was accepted.
func (o Outcome) OK() bool {
	return o.Accepted != nil
}
