package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               UUID PRIMARY KEY,
	seq              BIGSERIAL,
	url              TEXT        NOT NULL,
	provider         TEXT        NOT NULL,
	model            TEXT        NOT NULL DEFAULT '',
	stage            TEXT        NOT NULL,
	raw_text         TEXT        NOT NULL DEFAULT '',
	formatted_text   TEXT        NOT NULL DEFAULT '',
	error            TEXT        NOT NULL DEFAULT '',
	provider_task_id TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC, seq DESC);
`

const pgJobColumns = `id::text, url, provider, model, stage, raw_text, formatted_text, error, provider_task_id, created_at, updated_at`

type postgresRepo struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresRepository migrates the jobs table and returns a store over pool.
// The pool is owned by the caller unless Close is called on the store.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) (Store, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		log.Error("postgres migration failed", "error", err)
		return nil, common.Tag(common.ErrPersistence, err)
	}
	return &postgresRepo{pool: pool, log: log}, nil
}

func scanPGJob(row pgx.Row) (entity.Job, error) {
	var (
		j               entity.Job
		provider, stage string
	)
	err := row.Scan(&j.ID, &j.URL, &provider, &j.Model, &stage, &j.RawText, &j.FormattedText,
		&j.Error, &j.ProviderTaskID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return entity.Job{}, err
	}
	j.Provider = constants.Provider(provider)
	j.Stage = constants.Stage(stage)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// pgNow matches the microsecond precision TIMESTAMPTZ stores.
func pgNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (r *postgresRepo) Create(ctx context.Context, url string, cfg entity.ProviderConfig) (entity.Job, error) {
	now := pgNow()
	job := entity.Job{
		ID:        uuid.NewString(),
		URL:       url,
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		Stage:     constants.StagePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (id, url, provider, model, stage, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		job.ID, job.URL, string(job.Provider), job.Model, string(job.Stage), now)
	if err != nil {
		r.log.Error("job create failed", "url", url, "error", err)
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	r.log.Debug("job created", "job_id", job.ID, "provider", job.Provider)
	return job, nil
}

func (r *postgresRepo) Get(ctx context.Context, id string) (entity.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	}
	job, err := scanPGJob(r.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	return job, nil
}

// errMutate carries a mutator error out of the transaction untouched.
type errMutate struct{ err error }

func (e errMutate) Error() string { return e.err.Error() }

func (r *postgresRepo) Update(ctx context.Context, id string, mutate func(*entity.Job) error) (entity.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	}
	var out entity.Job
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		cur, err := scanPGJob(tx.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next, err := applyMutation(cur, mutate)
		if err != nil {
			return errMutate{err}
		}
		next.UpdatedAt = pgNow()
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET provider = $2, model = $3, stage = $4, raw_text = $5, formatted_text = $6,
				error = $7, provider_task_id = $8, updated_at = $9
			WHERE id = $1`,
			id, string(next.Provider), next.Model, string(next.Stage), next.RawText, next.FormattedText,
			next.Error, next.ProviderTaskID, next.UpdatedAt)
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	var me errMutate
	switch {
	case err == nil:
		return out, nil
	case errors.As(err, &me):
		return entity.Job{}, me.err
	case errors.Is(err, pgx.ErrNoRows):
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	default:
		r.log.Error("job update failed", "job_id", id, "error", err)
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
}

func (r *postgresRepo) List(ctx context.Context, limit int) ([]entity.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC, seq DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, common.Tag(common.ErrPersistence, err)
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, common.Tag(common.ErrPersistence, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, common.Tag(common.ErrPersistence, err)
	}
	return out, nil
}

func (r *postgresRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepo) Close() error {
	r.pool.Close()
	return nil
}
