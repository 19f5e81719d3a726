package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters/fake"
	"github.com/joseph-ayodele/transcript-pipeline/internal/cache"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/repository"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type rig struct {
	repo  repository.Store
	cache *cache.AudioCache
	hub   *hub.Hub
	dl    *fake.Downloader
	tr    *fake.Transcriber
	fm    *fake.Formatter
	exec  *Executor
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	c, err := cache.New(t.TempDir(), cache.WithLogger(testLog))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	r := &rig{
		repo:  repository.NewMemoryRepository(testLog),
		cache: c,
		hub:   hub.New(testLog),
		dl:    &fake.Downloader{},
		tr:    &fake.Transcriber{Chunks: []string{"hello ", "world"}},
		fm:    &fake.Formatter{Chunks: []string{"Hello, ", "World."}},
	}
	reg := adapters.NewRegistry()
	reg.Register(constants.ProviderOpenAI, r.tr)
	r.exec = NewExecutor(Deps{
		Repo:         r.repo,
		Cache:        r.cache,
		Downloader:   r.dl,
		Transcribers: reg,
		Formatter:    r.fm,
		Hub:          r.hub,
	}, cfg, testLog)
	return r
}

func (r *rig) create(t *testing.T, url string) entity.Job {
	t.Helper()
	job, err := r.repo.Create(context.Background(), url, entity.ProviderConfig{Provider: constants.ProviderOpenAI})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func (r *rig) get(t *testing.T, id string) entity.Job {
	t.Helper()
	job, err := r.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func collect(s *hub.Subscription) []hub.Event {
	var out []hub.Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

var stageOrder = map[constants.Stage]int{
	constants.StagePending:      0,
	constants.StageDownloading:  1,
	constants.StageTranscribing: 2,
	constants.StageFormatting:   3,
	constants.StageDone:         4,
	constants.StageError:        4,
}

// TestRunSuccess walks the happy path and checks event ordering.
func TestRunSuccess(t *testing.T) {
	r := newRig(t, Config{})
	job := r.create(t, "https://example.com/v1")
	sub := r.hub.Subscribe(job.ID)

	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := r.get(t, job.ID)
	if got.Stage != constants.StageDone || got.RawText != "hello world" || got.FormattedText != "Hello, World." || got.Error != "" {
		t.Fatalf("snapshot = %+v", got)
	}
	if r.fm.LastInput() != "hello world" {
		t.Fatalf("formatter input = %q", r.fm.LastInput())
	}

	events := collect(sub)
	prev := 0
	words := map[constants.Stage]int{}
	var chunks []string
	for _, ev := range events {
		if stageOrder[ev.Stage] < prev {
			t.Fatalf("stage regressed at %+v in %+v", ev, events)
		}
		prev = stageOrder[ev.Stage]
		if ev.Chunk != "" {
			if ev.Words < words[ev.Stage] {
				t.Fatalf("words decreased at %+v", ev)
			}
			words[ev.Stage] = ev.Words
			chunks = append(chunks, ev.Chunk)
		}
	}
	if strings.Join(chunks, "|") != "hello |world|Hello, |World." {
		t.Fatalf("chunks = %q", chunks)
	}
	last := events[len(events)-1]
	if last.Stage != constants.StageDone || last.FormattedText != "Hello, World." || last.Message != MsgDone {
		t.Fatalf("last event = %+v", last)
	}
	if words[constants.StageTranscribing] != 2 {
		t.Fatalf("transcribing words = %d, want 2", words[constants.StageTranscribing])
	}
}

// TestRawTextPrecedesFormatting checks that the transcript event lands
// before the formatting transition.
func TestRawTextPrecedesFormatting(t *testing.T) {
	r := newRig(t, Config{})
	job := r.create(t, "https://example.com/raw")
	sub := r.hub.Subscribe(job.ID)
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	rawAt, fmtAt := -1, -1
	for i, ev := range collect(sub) {
		if ev.RawText != "" && rawAt < 0 {
			rawAt = i
		}
		if ev.Stage == constants.StageFormatting && fmtAt < 0 {
			fmtAt = i
		}
	}
	if rawAt < 0 || fmtAt < 0 || rawAt > fmtAt {
		t.Fatalf("raw_text at %d, formatting at %d", rawAt, fmtAt)
	}
}

func TestRunTranscriptionFailure(t *testing.T) {
	r := newRig(t, Config{})
	r.tr.Err = errors.New("provider exploded")
	job := r.create(t, "https://example.com/fail")
	sub := r.hub.Subscribe(job.ID)

	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := r.get(t, job.ID)
	if got.Stage != constants.StageError || got.Error == "" || got.FormattedText != "" {
		t.Fatalf("snapshot = %+v", got)
	}
	if !strings.Contains(got.Error, "transcription failed") || !strings.Contains(got.Error, "provider exploded") {
		t.Fatalf("error = %q", got.Error)
	}
	if r.fm.Calls() != 0 {
		t.Fatalf("formatter ran after a failed transcription")
	}
	events := collect(sub)
	last := events[len(events)-1]
	if last.Stage != constants.StageError || last.Error != got.Error {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestRunDownloadFailure(t *testing.T) {
	r := newRig(t, Config{})
	r.dl.Err = errors.New("yt-dlp: unsupported url")
	job := r.create(t, "https://example.com/nope")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	got := r.get(t, job.ID)
	if got.Stage != constants.StageError || !strings.Contains(got.Error, "download failed") {
		t.Fatalf("snapshot = %+v", got)
	}
	if r.tr.Calls() != 0 {
		t.Fatalf("transcriber ran after a failed download")
	}
}

func TestRunFormattingFailureKeepsRawText(t *testing.T) {
	r := newRig(t, Config{})
	r.fm.Err = errors.New("rate limited")
	job := r.create(t, "https://example.com/fmt")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	got := r.get(t, job.ID)
	if got.Stage != constants.StageError || got.RawText != "hello world" || got.FormattedText != "" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestRunTwiceSkipsSecondDownload(t *testing.T) {
	r := newRig(t, Config{})
	a := r.create(t, "https://example.com/same")
	b := r.create(t, "https://example.com/same")
	if err := r.exec.Run(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	sub := r.hub.Subscribe(b.ID)
	if err := r.exec.Run(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}
	if r.dl.Calls() != 1 {
		t.Fatalf("download calls = %d, want 1", r.dl.Calls())
	}
	var hit bool
	for _, ev := range collect(sub) {
		hit = hit || ev.Message == MsgCacheHit
	}
	if !hit {
		t.Fatalf("second run did not report a cache hit")
	}
}

func TestRunRequiresPending(t *testing.T) {
	r := newRig(t, Config{})
	job := r.create(t, "https://example.com/once")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	err := r.exec.Run(context.Background(), job.ID)
	if !errors.Is(err, common.ErrPreconditionFailed) {
		t.Fatalf("second Run err = %v, want precondition failed", err)
	}
	if err := r.exec.Run(context.Background(), "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Run(missing) err = %v", err)
	}
}

func TestTaskIDPersisted(t *testing.T) {
	r := newRig(t, Config{})
	r.tr.TaskID = "task-42"
	job := r.create(t, "https://example.com/task")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	if got := r.get(t, job.ID); got.ProviderTaskID != "task-42" {
		t.Fatalf("provider task id = %q", got.ProviderTaskID)
	}
}

func TestTranscribeTimeout(t *testing.T) {
	r := newRig(t, Config{TranscribeTimeout: 50 * time.Millisecond})
	r.tr.Gate = make(chan struct{})
	job := r.create(t, "https://example.com/slow")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	got := r.get(t, job.ID)
	if got.Stage != constants.StageError || !strings.Contains(got.Error, "deadline exceeded") {
		t.Fatalf("snapshot = %+v", got)
	}
}

type truncated struct{}

func (truncated) Transcribe(context.Context, adapters.TranscribeRequest) adapters.Stream {
	return func(yield func(adapters.Unit, error) bool) {
		yield(adapters.Unit{Delta: "half a sen"}, nil)
	}
}

func TestStreamWithoutFinalFails(t *testing.T) {
	r := newRig(t, Config{})
	reg := adapters.NewRegistry()
	reg.Register(constants.ProviderOpenAI, truncated{})
	r.exec.transcribers = reg
	job := r.create(t, "https://example.com/cut")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	if got := r.get(t, job.ID); got.Stage != constants.StageError {
		t.Fatalf("stage = %s, want error", got.Stage)
	}
}

func TestPartialCheckpoint(t *testing.T) {
	r := newRig(t, Config{CheckpointInterval: time.Nanosecond})
	r.tr.Gate = make(chan struct{})
	job := r.create(t, "https://example.com/partial")

	done := make(chan error, 1)
	go func() { done <- r.exec.Run(context.Background(), job.ID) }()

	waitFor(t, func() bool { return r.get(t, job.ID).RawText == "hello world" })
	if got := r.get(t, job.ID); got.Stage != constants.StageTranscribing {
		t.Fatalf("stage = %s during transcription", got.Stage)
	}
	close(r.tr.Gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// TestTranscriptionFailureDropsPartialText keeps a cut-off transcript from
// being regenerated into a finished job.
func TestTranscriptionFailureDropsPartialText(t *testing.T) {
	r := newRig(t, Config{CheckpointInterval: time.Nanosecond})
	r.tr.Chunks = []string{"hello ", "wor"}
	r.tr.Err = errors.New("provider hung up")
	r.tr.Gate = make(chan struct{})
	job := r.create(t, "https://example.com/cut-off")

	done := make(chan error, 1)
	go func() { done <- r.exec.Run(context.Background(), job.ID) }()

	waitFor(t, func() bool { return r.get(t, job.ID).RawText == "hello wor" })
	close(r.tr.Gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got := r.get(t, job.ID)
	if got.Stage != constants.StageError || got.RawText != "" {
		t.Fatalf("after failure: stage=%s raw=%q", got.Stage, got.RawText)
	}
	if _, err := r.exec.Regenerate(context.Background(), job.ID); !errors.Is(err, common.ErrPreconditionFailed) {
		t.Fatalf("Regenerate err = %v, want ErrPreconditionFailed", err)
	}
	if got := r.get(t, job.ID); got.Stage != constants.StageError {
		t.Fatalf("stage after rejected regenerate = %s", got.Stage)
	}
}

// TestRegenerate re-runs formatting on stored raw text.
func TestRegenerate(t *testing.T) {
	r := newRig(t, Config{})
	job := r.create(t, "https://example.com/regen")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}

	r.fm.Chunks = []string{"HELLO WORLD"}
	sub := r.hub.Subscribe(job.ID)
	snap, err := r.exec.Regenerate(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if snap.Stage != constants.StageFormatting || snap.FormattedText != "" || snap.RawText != "hello world" {
		t.Fatalf("regenerate snapshot = %+v", snap)
	}
	if err := r.exec.Format(context.Background(), job.ID); err != nil {
		t.Fatalf("Format: %v", err)
	}

	got := r.get(t, job.ID)
	if got.Stage != constants.StageDone || got.FormattedText != "HELLO WORLD" || got.RawText != "hello world" {
		t.Fatalf("snapshot = %+v", got)
	}
	if r.tr.Calls() != 1 || r.dl.Calls() != 1 {
		t.Fatalf("regenerate redid earlier stages")
	}
	events := collect(sub)
	if events[0].Message != MsgRegenerating || events[len(events)-1].Stage != constants.StageDone {
		t.Fatalf("events = %+v", events)
	}
}

func TestRegenerateAfterFormattingError(t *testing.T) {
	r := newRig(t, Config{})
	r.fm.Err = errors.New("boom")
	job := r.create(t, "https://example.com/retry")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	r.fm.Err = nil
	snap, err := r.exec.Regenerate(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if snap.Error != "" {
		t.Fatalf("error not cleared: %+v", snap)
	}
	if err := r.exec.Format(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	if got := r.get(t, job.ID); got.Stage != constants.StageDone || got.FormattedText != "Hello, World." {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestRegenerateWithoutRawText(t *testing.T) {
	r := newRig(t, Config{})
	r.dl.Err = errors.New("gone")
	job := r.create(t, "https://example.com/empty")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}
	_, err := r.exec.Regenerate(context.Background(), job.ID)
	if !errors.Is(err, common.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want precondition failed", err)
	}
	if got := r.get(t, job.ID); got.Stage != constants.StageError {
		t.Fatalf("failed regenerate changed stage to %s", got.Stage)
	}
}

func TestRegenerateWhileRunning(t *testing.T) {
	r := newRig(t, Config{})
	r.tr.Gate = make(chan struct{})
	job := r.create(t, "https://example.com/busy")

	done := make(chan error, 1)
	go func() { done <- r.exec.Run(context.Background(), job.ID) }()
	waitFor(t, func() bool { return r.get(t, job.ID).Stage == constants.StageTranscribing })

	if _, err := r.exec.Regenerate(context.Background(), job.ID); !errors.Is(err, common.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want precondition failed", err)
	}
	close(r.tr.Gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, err := r.exec.Regenerate(context.Background(), "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Regenerate(missing) err = %v", err)
	}
}

func TestFormatRequiresFormattingStage(t *testing.T) {
	r := newRig(t, Config{})
	job := r.create(t, "https://example.com/early")
	if err := r.exec.Format(context.Background(), job.ID); !errors.Is(err, common.ErrPreconditionFailed) {
		t.Fatalf("err = %v", err)
	}
}

type panicky struct{}

func (panicky) Format(context.Context, string) adapters.Stream {
	panic("formatter bug")
}

func TestPanicEndsInError(t *testing.T) {
	r := newRig(t, Config{})
	r.exec.formatter = panicky{}
	job := r.create(t, "https://example.com/panic")
	if err := r.exec.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := r.get(t, job.ID)
	if got.Stage != constants.StageError || !strings.Contains(got.Error, "formatter bug") {
		t.Fatalf("snapshot = %+v", got)
	}
	if r.exec.Locks().Held(job.ID) {
		t.Fatalf("lock still held after panic")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
