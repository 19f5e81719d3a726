// Package jobs is the public entry point of the pipeline: it creates jobs,
// schedules their runs, re-runs formatting and attaches observers.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/async"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
	"github.com/joseph-ayodele/transcript-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/transcript-pipeline/internal/repository"
)

// CreateRequest is the input of CreateJob.
type CreateRequest struct {
	URL      string `json:"url"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// DecodeCreateRequest checks body against the create-job schema and decodes it.
func DecodeCreateRequest(body []byte) (CreateRequest, error) {
	if err := common.ValidateJSON("create_job.json", common.CreateJobSchema, body); err != nil {
		return CreateRequest{}, err
	}
	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return CreateRequest{}, common.Validationf("decode request: %v", err)
	}
	return req, nil
}

// Options tune request handling.
type Options struct {
	DefaultProvider constants.Provider
	// AllowedHosts restricts job URLs to these hosts and their subdomains.
	// Empty allows any host.
	AllowedHosts []string
}

type Service struct {
	repo     repository.JobRepository
	exec     *pipeline.Executor
	hub      *hub.Hub
	runner   *async.Runner
	registry *adapters.Registry
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
}

func NewService(
	repo repository.JobRepository,
	exec *pipeline.Executor,
	h *hub.Hub,
	runner *async.Runner,
	registry *adapters.Registry,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = constants.ProviderOpenAI
	}
	return &Service{
		repo:     repo,
		exec:     exec,
		hub:      h,
		runner:   runner,
		registry: registry,
		metrics:  m,
		opts:     opts,
		logger:   logger,
	}
}

// CreateJob validates req, stores a pending job and schedules its run. It
// returns as soon as the record exists.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (entity.Job, error) {
	req.URL = strings.TrimSpace(req.URL)
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Model = strings.TrimSpace(req.Model)

	v := common.NewValidator().
		Field("url", req.URL, common.Required, common.MaxLength(2048), common.HTTPURL, common.AllowedHost(s.opts.AllowedHosts)).
		Field("provider", req.Provider, common.OneOf(constants.ProviderNames()...)).
		Field("model", req.Model, common.MaxLength(128))
	if err := v.Error(); err != nil {
		s.logger.Warn("jobs.create.invalid", "url", req.URL, "error", err)
		return entity.Job{}, err
	}

	provider := s.opts.DefaultProvider
	if req.Provider != "" {
		provider = constants.Provider(req.Provider)
	}
	if s.registry != nil && !s.registry.Has(provider) {
		return entity.Job{}, common.Validationf("provider %q is not configured", provider)
	}
	model := req.Model
	if model == "" {
		model = provider.DefaultModel()
	}

	job, err := s.repo.Create(ctx, req.URL, entity.ProviderConfig{Provider: provider, Model: model})
	if err != nil {
		s.logger.Error("jobs.create.failed", "url", req.URL, "error", err)
		return entity.Job{}, err
	}
	s.metrics.JobCreated()
	s.logger.Info("jobs.created", "job_id", job.ID, "url", job.URL, "provider", provider, "model", model)

	id := job.ID
	if err := s.runner.Go("run:"+id, func(ctx context.Context) error {
		return s.exec.Run(ctx, id)
	}); err != nil {
		return entity.Job{}, err
	}
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (entity.Job, error) {
	return s.repo.Get(ctx, strings.TrimSpace(id))
}

// ListJobs returns up to limit jobs, newest first. Non-positive limits use
// repository.DefaultListLimit.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]entity.Job, error) {
	return s.repo.List(ctx, limit)
}

// RegenerateFormatting re-enters formatting on a finished job and formats
// its stored transcript again in the background. The returned snapshot is
// in the formatting stage with formatted text cleared.
func (s *Service) RegenerateFormatting(ctx context.Context, id string) (entity.Job, error) {
	job, err := s.exec.Regenerate(ctx, strings.TrimSpace(id))
	if err != nil {
		s.logger.Warn("jobs.regenerate.rejected", "job_id", id, "error", err)
		return entity.Job{}, err
	}
	if err := s.runner.Go("format:"+job.ID, func(ctx context.Context) error {
		return s.exec.Format(ctx, job.ID)
	}); err != nil {
		return entity.Job{}, err
	}
	return job, nil
}

// Attach streams events for id. The first event is a snapshot of the stored
// job; for a finished job it is also the last. Otherwise live events follow
// until a terminal event, ctx ending, or cancel.
func (s *Service) Attach(ctx context.Context, id string) (<-chan hub.Event, func(), error) {
	id = strings.TrimSpace(id)
	// Subscribe before reading so nothing between the read and the
	// subscription is lost.
	sub := s.hub.Subscribe(id)
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan hub.Event)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(out)
		defer sub.Close()

		send := func(ev hub.Event) bool {
			select {
			case out <- ev:
				return true
			case <-stop:
			case <-ctx.Done():
			}
			return false
		}

		if !send(Snapshot(job)) || job.Stage.IsTerminal() {
			return
		}
		seen := newOverlap(job)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if seen.covers(ev) {
					continue
				}
				if !send(ev) || ev.Terminal() {
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// overlap recognises chunk events that were queued between subscribing and
// reading the job, and whose text the snapshot already holds. Only the leading
// run of chunks for the snapshot's stage is checked; the first chunk the
// snapshot lacks ends the check.
type overlap struct {
	stage constants.Stage
	text  string
	words int
	acc   string
	done  bool
}

func newOverlap(job entity.Job) *overlap {
	o := &overlap{stage: job.Stage}
	switch job.Stage {
	case constants.StageTranscribing:
		o.text = job.RawText
	case constants.StageFormatting:
		o.text = job.FormattedText
	}
	o.words = len(strings.Fields(o.text))
	o.done = o.text == ""
	return o
}

func (o *overlap) covers(ev hub.Event) bool {
	if o.done || ev.Chunk == "" {
		return false
	}
	if ev.Stage != o.stage || ev.Words > o.words || !strings.Contains(o.text, o.acc+ev.Chunk) {
		o.done = true
		return false
	}
	o.acc += ev.Chunk
	return true
}

// Snapshot renders the stored state of job as an event.
func Snapshot(job entity.Job) hub.Event {
	ev := hub.Event{
		Stage:         job.Stage,
		RawText:       job.RawText,
		FormattedText: job.FormattedText,
		Error:         job.Error,
	}
	switch {
	case job.FormattedText != "":
		ev.Words = len(strings.Fields(job.FormattedText))
	case job.RawText != "":
		ev.Words = len(strings.Fields(job.RawText))
	}
	return ev
}

// Shutdown waits for scheduled runs to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.runner.Shutdown(ctx)
}
