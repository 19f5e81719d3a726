package repository

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
)

type memRecord struct {
	mu  sync.Mutex
	job entity.Job
	seq uint64
}

type memoryRepo struct {
	mu   sync.RWMutex
	jobs map[string]*memRecord
	seq  uint64
	log  *slog.Logger
}

// NewMemoryRepository returns a process-local store. Updates to different
// jobs never contend; updates to one job are serialised.
func NewMemoryRepository(log *slog.Logger) Store {
	return &memoryRepo{jobs: make(map[string]*memRecord), log: log}
}

func (r *memoryRepo) Create(ctx context.Context, url string, cfg entity.ProviderConfig) (entity.Job, error) {
	if err := ctx.Err(); err != nil {
		return entity.Job{}, err
	}
	now := time.Now().UTC()
	job := entity.Job{
		ID:        uuid.NewString(),
		URL:       url,
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		Stage:     constants.StagePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.seq++
	r.jobs[job.ID] = &memRecord{job: job, seq: r.seq}
	r.mu.Unlock()
	r.log.Debug("job created", "job_id", job.ID, "provider", job.Provider)
	return job, nil
}

func (r *memoryRepo) record(id string) (*memRecord, error) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, common.NotFoundf("job %s not found", id)
	}
	return rec, nil
}

func (r *memoryRepo) Get(ctx context.Context, id string) (entity.Job, error) {
	rec, err := r.record(id)
	if err != nil {
		return entity.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job, nil
}

func (r *memoryRepo) Update(ctx context.Context, id string, mutate func(*entity.Job) error) (entity.Job, error) {
	if err := ctx.Err(); err != nil {
		return entity.Job{}, err
	}
	rec, err := r.record(id)
	if err != nil {
		return entity.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next, err := applyMutation(rec.job, mutate)
	if err != nil {
		return entity.Job{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	rec.job = next
	return next, nil
}

func (r *memoryRepo) List(ctx context.Context, limit int) ([]entity.Job, error) {
	limit = normalizeLimit(limit)
	r.mu.RLock()
	recs := make([]*memRecord, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]entity.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.job)
		rec.mu.Unlock()
	}
	return out, nil
}

func (r *memoryRepo) Ping(context.Context) error { return nil }

func (r *memoryRepo) Close() error { return nil }
