// Package pipeline drives a single job through its stages. Every stage
// transition is written to the job store before the next adapter runs, and
// every stored change is followed by a hub event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/cache"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
	"github.com/joseph-ayodele/transcript-pipeline/internal/repository"
)

// Status lines attached to stage events.
const (
	MsgDownloading  = "Downloading audio"
	MsgCacheHit     = "Cache hit, reuse audio"
	MsgTranscribing = "Transcribing"
	MsgFormatting   = "Formatting"
	MsgDone         = "Done"
	MsgRegenerating = "Regenerating"
)

// Config bounds each adapter call. Zero disables the bound.
type Config struct {
	DownloadTimeout   time.Duration
	TranscribeTimeout time.Duration
	FormatTimeout     time.Duration
	// CheckpointInterval throttles writes of partial text while a stage
	// streams. Zero only writes at stage boundaries.
	CheckpointInterval time.Duration
}

// Deps are the collaborators an Executor drives.
type Deps struct {
	Repo         repository.JobRepository
	Cache        *cache.AudioCache
	Downloader   adapters.Downloader
	Transcribers *adapters.Registry
	Formatter    adapters.Formatter
	Hub          *hub.Hub
	Locks        *Locks
	Metrics      *metrics.Metrics
}

type Executor struct {
	repo         repository.JobRepository
	cache        *cache.AudioCache
	downloader   adapters.Downloader
	transcribers *adapters.Registry
	formatter    adapters.Formatter
	hub          *hub.Hub
	locks        *Locks
	metrics      *metrics.Metrics
	cfg          Config
	logger       *slog.Logger
}

func NewExecutor(deps Deps, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewLocks()
	}
	return &Executor{
		repo:         deps.Repo,
		cache:        deps.Cache,
		downloader:   deps.Downloader,
		transcribers: deps.Transcribers,
		formatter:    deps.Formatter,
		hub:          deps.Hub,
		locks:        locks,
		metrics:      deps.Metrics,
		cfg:          cfg,
		logger:       logger,
	}
}

// Locks exposes the per-job exclusivity shared with callers.
func (e *Executor) Locks() *Locks { return e.locks }

// Run takes a pending job through download, transcription and formatting.
// Stage failures end in the error stage and are not returned; the returned
// error reports only that the run could not start or could not record its
// outcome.
func (e *Executor) Run(ctx context.Context, id string) (err error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Stage != constants.StagePending {
		return common.PreconditionFailedf("job %s is %s, not pending", id, job.Stage)
	}

	log := e.logger.With("job_id", id)
	ctx = common.WithJobID(ctx, id)
	e.metrics.RunStarted()
	defer e.metrics.RunFinished()
	defer e.recoverRun(ctx, id, &err)

	log.Info("pipeline.run.start", "url", job.URL, "provider", job.Provider, "model", job.Model)
	return e.settle(ctx, id, e.runStages(ctx, job, log))
}

func (e *Executor) runStages(ctx context.Context, job entity.Job, log *slog.Logger) error {
	id := job.ID
	if _, err := e.advance(ctx, id, constants.StageDownloading, nil, hub.Event{Message: MsgDownloading}); err != nil {
		return err
	}

	started := time.Now()
	art, err := e.download(ctx, job.URL)
	if err != nil {
		return err
	}
	e.metrics.ObserveStage(string(constants.StageDownloading), time.Since(started).Seconds())
	if art.Hit {
		e.hub.Publish(id, hub.Event{Stage: constants.StageDownloading, Message: MsgCacheHit})
	}
	log.Info("pipeline.download.done", "key", art.Key, "bytes", art.Size, "cache_hit", art.Hit)

	transcriber, err := e.transcribers.Transcriber(job.Provider)
	if err != nil {
		return common.Tag(common.ErrTranscription, err)
	}
	if _, err := e.advance(ctx, id, constants.StageTranscribing, nil, hub.Event{Message: MsgTranscribing}); err != nil {
		return err
	}

	started = time.Now()
	tctx, cancel := withTimeout(ctx, e.cfg.TranscribeTimeout)
	raw, err := e.consume(tctx, id, constants.StageTranscribing, transcriber.Transcribe(tctx, adapters.TranscribeRequest{
		JobID:     id,
		AudioPath: art.Path,
		Model:     job.Model,
	}))
	cancel()
	if err != nil {
		return common.Tag(common.ErrTranscription, err)
	}
	e.metrics.ObserveStage(string(constants.StageTranscribing), time.Since(started).Seconds())
	log.Info("pipeline.transcribe.done", "chars", len(raw), "words", wordCount(raw))

	return e.runFormatting(ctx, id, raw, true, log)
}

// runFormatting runs the formatter over raw to completion. With enter set it
// first checkpoints the move into formatting along with the transcript;
// otherwise the job is already there.
func (e *Executor) runFormatting(ctx context.Context, id, raw string, enter bool, log *slog.Logger) error {
	if enter {
		if _, err := e.advance(ctx, id, constants.StageFormatting, func(j *entity.Job) {
			j.RawText = raw
			j.FormattedText = ""
		}, hub.Event{Message: MsgFormatting}); err != nil {
			return err
		}
	} else {
		e.hub.Publish(id, hub.Event{Stage: constants.StageFormatting, Message: MsgFormatting})
	}

	started := time.Now()
	fctx, cancel := withTimeout(ctx, e.cfg.FormatTimeout)
	formatted, err := e.consume(fctx, id, constants.StageFormatting, e.formatter.Format(fctx, raw))
	cancel()
	if err != nil {
		return common.Tag(common.ErrFormatting, err)
	}
	e.metrics.ObserveStage(string(constants.StageFormatting), time.Since(started).Seconds())

	if _, err := e.advance(ctx, id, constants.StageDone, func(j *entity.Job) {
		j.FormattedText = formatted
	}, hub.Event{Message: MsgDone, FormattedText: formatted, Words: wordCount(formatted)}); err != nil {
		return err
	}
	e.metrics.JobFinished(string(constants.StageDone))
	log.Info("pipeline.run.done", "chars", len(formatted))
	return nil
}

// Regenerate moves a finished job back to formatting, clearing its
// formatted text and error. The caller then runs Format. It fails with
// ErrPreconditionFailed while a run holds the job or when there is no raw
// text to format.
func (e *Executor) Regenerate(ctx context.Context, id string) (entity.Job, error) {
	unlock, ok := e.locks.TryLock(id)
	if !ok {
		if _, err := e.repo.Get(ctx, id); err != nil {
			return entity.Job{}, err
		}
		return entity.Job{}, common.PreconditionFailedf("job %s is being processed", id)
	}
	defer unlock()

	job, err := e.repo.Update(ctx, id, func(j *entity.Job) error {
		if !j.Stage.IsTerminal() {
			return common.PreconditionFailedf("job %s is %s", id, j.Stage)
		}
		if strings.TrimSpace(j.RawText) == "" {
			return common.PreconditionFailedf("job %s has no raw text", id)
		}
		if err := j.Advance(constants.StageFormatting, ""); err != nil {
			return common.Tag(common.ErrPreconditionFailed, err)
		}
		j.FormattedText = ""
		return nil
	})
	if err != nil {
		return entity.Job{}, err
	}
	e.hub.Publish(id, hub.Event{Stage: constants.StageFormatting, Message: MsgRegenerating})
	e.logger.Info("pipeline.regenerate", "job_id", id)
	return job, nil
}

// Format runs the formatter for a job sitting in the formatting stage, as
// left by Regenerate.
func (e *Executor) Format(ctx context.Context, id string) (err error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := e.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Stage != constants.StageFormatting {
		return common.PreconditionFailedf("job %s is %s, not formatting", id, job.Stage)
	}

	ctx = common.WithJobID(ctx, id)
	e.metrics.RunStarted()
	defer e.metrics.RunFinished()
	defer e.recoverRun(ctx, id, &err)

	log := e.logger.With("job_id", id)
	log.Info("pipeline.format.start", "chars", len(job.RawText))
	return e.settle(ctx, id, e.runFormatting(ctx, id, job.RawText, false, log))
}

func (e *Executor) download(ctx context.Context, url string) (cache.Artifact, error) {
	dctx, cancel := withTimeout(ctx, e.cfg.DownloadTimeout)
	defer cancel()
	art, err := e.cache.FetchOrDownload(dctx, url, func(ctx context.Context, workDir string) (string, error) {
		return e.downloader.Download(ctx, url, workDir)
	})
	if err != nil {
		return cache.Artifact{}, common.Tag(common.ErrDownload, err)
	}
	return art, nil
}

// consume drains one adapter stream, publishing a chunk event per delta and
// persisting the provider task id when one is reported. It returns the
// final text.
func (e *Executor) consume(ctx context.Context, id string, stage constants.Stage, stream adapters.Stream) (string, error) {
	var (
		acc       strings.Builder
		words     int
		lastWrite = time.Now()
	)
	for u, err := range stream {
		if err != nil {
			return "", err
		}
		if u.TaskID != "" {
			taskID := u.TaskID
			if _, err := e.repo.Update(ctx, id, func(j *entity.Job) error {
				j.ProviderTaskID = taskID
				return nil
			}); err != nil {
				return "", err
			}
		}
		if u.Message != "" && !u.Final {
			e.hub.Publish(id, hub.Event{Stage: stage, Message: u.Message})
		}
		if u.Final {
			text := u.Text
			if text == "" {
				text = acc.String()
			}
			if stage == constants.StageTranscribing {
				e.hub.Publish(id, hub.Event{Stage: stage, RawText: text, Words: max(words, wordCount(text))})
			}
			return text, nil
		}
		if u.Delta == "" {
			continue
		}
		acc.WriteString(u.Delta)
		words = max(words, wordCount(acc.String()))
		e.hub.Publish(id, hub.Event{Stage: stage, Chunk: u.Delta, Words: words})

		if e.cfg.CheckpointInterval > 0 && time.Since(lastWrite) >= e.cfg.CheckpointInterval {
			lastWrite = time.Now()
			if err := e.checkpointPartial(ctx, id, stage, acc.String()); err != nil {
				return "", err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", errors.New("provider stream ended without a final result")
}

func (e *Executor) checkpointPartial(ctx context.Context, id string, stage constants.Stage, text string) error {
	_, err := e.repo.Update(ctx, id, func(j *entity.Job) error {
		if j.Stage != stage {
			return common.PreconditionFailedf("job %s moved to %s", id, j.Stage)
		}
		switch stage {
		case constants.StageTranscribing:
			j.RawText = text
		case constants.StageFormatting:
			j.FormattedText = text
		}
		return nil
	})
	return err
}

// advance checkpoints the transition to next and then publishes ev stamped
// with the new stage.
func (e *Executor) advance(ctx context.Context, id string, next constants.Stage, mutate func(*entity.Job), ev hub.Event) (entity.Job, error) {
	job, err := e.repo.Update(ctx, id, func(j *entity.Job) error {
		if err := j.Advance(next, ""); err != nil {
			return common.Tag(common.ErrPreconditionFailed, err)
		}
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err != nil {
		return entity.Job{}, err
	}
	ev.Stage = next
	e.hub.Publish(id, ev)
	return job, nil
}

// settle records a failed run. The returned error is non-nil only when the
// failure itself could not be stored.
func (e *Executor) settle(ctx context.Context, id string, runErr error) error {
	if runErr == nil {
		return nil
	}
	return e.fail(ctx, id, runErr)
}

// fail moves the job to error and emits the terminal event. It runs on a
// detached context so a timed-out stage can still be recorded.
func (e *Executor) fail(ctx context.Context, id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	log := e.logger.With("job_id", id, "kind", common.Kind(cause).Error())
	log.Error("pipeline.run.failed", "error", cause)

	_, err := e.repo.Update(ctx, id, func(j *entity.Job) error {
		if j.Stage.IsTerminal() {
			return common.PreconditionFailedf("job %s already %s", id, j.Stage)
		}
		// Checkpointed text from an unfinished transcription must not be
		// regenerated into a finished job.
		if j.Stage == constants.StageTranscribing {
			j.RawText = ""
		}
		return j.Advance(constants.StageError, msg)
	})
	if errors.Is(err, common.ErrPreconditionFailed) {
		log.Warn("pipeline.fail.already_terminal", "error", err)
		return nil
	}
	if err != nil {
		log.Error("pipeline.fail.checkpoint_failed", "error", err)
		// Observers still learn the run ended.
		e.hub.Publish(id, hub.Event{Stage: constants.StageError, Error: msg})
		return fmt.Errorf("record failure of job %s: %w", id, err)
	}
	e.hub.Publish(id, hub.Event{Stage: constants.StageError, Error: msg})
	e.metrics.JobFinished(string(constants.StageError))
	return nil
}

func (e *Executor) recoverRun(ctx context.Context, id string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	e.logger.Error("pipeline.run.panic", "job_id", id, "panic", r, "stack", string(debug.Stack()))
	*errp = e.fail(ctx, id, common.Tag(common.ErrInternal, fmt.Errorf("panic: %v", r)))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
