package repository

import (
	"context"

	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
)

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 50

// JobRepository persists job records. All methods return value copies;
// Update is the only way to change a stored job.
type JobRepository interface {
	// Create stores a new job in stage pending and returns it.
	Create(ctx context.Context, url string, cfg entity.ProviderConfig) (entity.Job, error)
	// Get returns the job or an error matching common.ErrNotFound.
	Get(ctx context.Context, id string) (entity.Job, error)
	// Update applies mutate to the current record atomically and refreshes
	// UpdatedAt. An error from mutate aborts the update and is returned as is.
	// mutate must not call back into the repository.
	Update(ctx context.Context, id string, mutate func(*entity.Job) error) (entity.Job, error)
	// List returns up to limit jobs, newest first.
	List(ctx context.Context, limit int) ([]entity.Job, error)
}

// Store is a JobRepository backed by a concrete driver.
type Store interface {
	JobRepository
	Ping(ctx context.Context) error
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// applyMutation runs mutate on a copy and restores the identity fields the
// caller is not allowed to change.
func applyMutation(cur entity.Job, mutate func(*entity.Job) error) (entity.Job, error) {
	next := cur
	if err := mutate(&next); err != nil {
		return entity.Job{}, err
	}
	next.ID = cur.ID
	next.URL = cur.URL
	next.CreatedAt = cur.CreatedAt
	if err := next.Check(); err != nil {
		return entity.Job{}, err
	}
	return next, nil
}
