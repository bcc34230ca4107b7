package predictions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/prediction_layer/internal/app/domain/prediction"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

// Service answers owner-scoped queries about prediction jobs.
type Service struct {
	jobs storage.JobStore
	log  *logger.Logger
}

// New creates a query service.
func New(jobs storage.JobStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("predictions")
	}
	return &Service{jobs: jobs, log: log}
}

// GetJob returns the job if it belongs to ownerID. Jobs of other owners are
// reported as not found.
func (s *Service) GetJob(ctx context.Context, id, ownerID string) (prediction.Job, error) {
	job, err := s.jobs.GetJob(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return prediction.Job{}, err
		}
		return prediction.Job{}, fmt.Errorf("%w: get job: %w", storage.ErrPersistence, err)
	}
	if job.OwnerID != strings.TrimSpace(ownerID) {
		return prediction.Job{}, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns the owner's jobs newest first. limit <= 0 returns all.
func (s *Service) ListJobs(ctx context.Context, ownerID string, limit int) ([]prediction.Job, error) {
	jobs, err := s.jobs.ListJobs(ctx, strings.TrimSpace(ownerID), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %w", storage.ErrPersistence, err)
	}
	return jobs, nil
}
