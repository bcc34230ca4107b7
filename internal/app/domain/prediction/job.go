package prediction

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a prediction job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// ErrInvalidTransition is returned when a status change would move a job
// backwards, skip PROCESSING, or leave a terminal state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusDone, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		// a lease re-claim keeps the job in PROCESSING
		return next == StatusProcessing || next == StatusDone || next == StatusError
	default:
		return false
	}
}

// CheckTransition returns ErrInvalidTransition when s cannot move to next.
func CheckTransition(from, next Status) error {
	if !from.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	return nil
}

// Job is a paid prediction request and its outcome.
//
// Attempts counts claims; it doubles as the fencing token a worker must
// present when completing the job.
type Job struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	CatalogItemID  string          `json:"catalog_item_id"`
	Status         Status          `json:"status"`
	Input          json.RawMessage `json:"input"`
	Result         json.RawMessage `json:"result,omitempty"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"-"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Claimable reports whether a worker may take PROCESSING ownership at now.
func (j Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusQueued:
		return true
	case StatusProcessing:
		return j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	j.Input = cloneRaw(j.Input)
	j.Result = cloneRaw(j.Result)
	j.StartedAt = cloneTime(j.StartedAt)
	j.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	j.CompletedAt = cloneTime(j.CompletedAt)
	return j
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
