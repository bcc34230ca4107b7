// Package events publishes notifications about finished prediction jobs.
package events

import (
	"context"
	"time"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
)

// TopicPredictionCompleted receives one event per job reaching a terminal
// status.
const TopicPredictionCompleted = "prediction.completed"

// PredictionCompleted is the payload published on TopicPredictionCompleted.
type PredictionCompleted struct {
	JobID         string            `json:"job_id"`
	OwnerID       string            `json:"owner_id"`
	CatalogItemID string            `json:"catalog_item_id"`
	Status        prediction.Status `json:"status"`
	Source        string            `json:"source,omitempty"`
	Attempts      int               `json:"attempts"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// Key returns the partitioning key for the event.
func (e PredictionCompleted) Key() string {
	return e.JobID
}

// Publisher delivers events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
	Close() error
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, string, any) error { return nil }

func (NoopPublisher) Close() error { return nil }

// Completed builds the completion event for a terminal job.
func Completed(job prediction.Job, source string) PredictionCompleted {
	evt := PredictionCompleted{
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		CatalogItemID: job.CatalogItemID,
		Status:        job.Status,
		Source:        source,
		Attempts:      job.Attempts,
	}
	if job.CompletedAt != nil {
		evt.CompletedAt = *job.CompletedAt
	}
	return evt
}
