package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	url              TEXT    NOT NULL,
	provider         TEXT    NOT NULL,
	model            TEXT    NOT NULL DEFAULT '',
	stage            TEXT    NOT NULL,
	raw_text         TEXT    NOT NULL DEFAULT '',
	formatted_text   TEXT    NOT NULL DEFAULT '',
	error            TEXT    NOT NULL DEFAULT '',
	provider_task_id TEXT    NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC);
`

const jobColumns = `id, url, provider, model, stage, raw_text, formatted_text, error, provider_task_id, created_at, updated_at`

type sqliteRepo struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (and migrates) a sqlite job store. A single connection
// is used so every write transaction is serialised.
func OpenSQLite(ctx context.Context, dsn string, log *slog.Logger) (Store, error) {
	log.Info("opening sqlite job store", "dsn", dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, common.Tag(common.ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		log.Error("sqlite migration failed", "error", err)
		return nil, common.Tag(common.ErrPersistence, fmt.Errorf("migrate: %w", err))
	}
	return &sqliteRepo{db: db, log: log}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (entity.Job, error) {
	var (
		j                entity.Job
		provider, stage  string
		created, updated int64
	)
	if err := row.Scan(&j.ID, &j.URL, &provider, &j.Model, &stage, &j.RawText, &j.FormattedText,
		&j.Error, &j.ProviderTaskID, &created, &updated); err != nil {
		return entity.Job{}, err
	}
	j.Provider = constants.Provider(provider)
	j.Stage = constants.Stage(stage)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	return j, nil
}

func (r *sqliteRepo) Create(ctx context.Context, url string, cfg entity.ProviderConfig) (entity.Job, error) {
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
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, '', '', '', '', ?, ?)`,
		job.ID, job.URL, string(job.Provider), job.Model, string(job.Stage), now.UnixNano(), now.UnixNano())
	if err != nil {
		r.log.Error("job create failed", "url", url, "error", err)
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	r.log.Debug("job created", "job_id", job.ID, "provider", job.Provider)
	return job, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (entity.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	return job, nil
}

func (r *sqliteRepo) Update(ctx context.Context, id string, mutate func(*entity.Job) error) (entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	next, err := applyMutation(cur, mutate)
	if err != nil {
		return entity.Job{}, err
	}
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET provider = ?, model = ?, stage = ?, raw_text = ?, formatted_text = ?,
			error = ?, provider_task_id = ?, updated_at = ?
		WHERE id = ?`,
		string(next.Provider), next.Model, string(next.Stage), next.RawText, next.FormattedText,
		next.Error, next.ProviderTaskID, next.UpdatedAt.UnixNano(), id)
	if err != nil {
		r.log.Error("job update failed", "job_id", id, "error", err)
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return entity.Job{}, common.Tag(common.ErrPersistence, err)
	}
	return next, nil
}

func (r *sqliteRepo) List(ctx context.Context, limit int) ([]entity.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, common.Tag(common.ErrPersistence, err)
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
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

func (r *sqliteRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteRepo) Close() error {
	return r.db.Close()
}
