package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/jobs"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type stub struct {
	lastLimit atomic.Int32
	events    []hub.Event
}

var doneJob = entity.Job{
	ID:            "job-1",
	URL:           "https://example.com/v1",
	Provider:      constants.ProviderOpenAI,
	Stage:         constants.StageDone,
	RawText:       "hello world",
	FormattedText: "Hello, World.",
}

func (s *stub) CreateJob(_ context.Context, req jobs.CreateRequest) (entity.Job, error) {
	if strings.Contains(req.URL, "blocked") {
		return entity.Job{}, common.Validationf("url: host is not allowed")
	}
	return entity.Job{ID: "job-2", URL: req.URL, Stage: constants.StagePending}, nil
}

func (s *stub) GetJob(_ context.Context, id string) (entity.Job, error) {
	if id != doneJob.ID {
		return entity.Job{}, common.NotFoundf("job %s not found", id)
	}
	return doneJob, nil
}

func (s *stub) ListJobs(_ context.Context, limit int) ([]entity.Job, error) {
	s.lastLimit.Store(int32(limit))
	return []entity.Job{doneJob}, nil
}

func (s *stub) RegenerateFormatting(_ context.Context, id string) (entity.Job, error) {
	if id == "raw-less" {
		return entity.Job{}, common.PreconditionFailedf("job %s has no raw text", id)
	}
	j := doneJob
	j.Stage, j.FormattedText = constants.StageFormatting, ""
	return j, nil
}

func (s *stub) Attach(_ context.Context, id string) (<-chan hub.Event, func(), error) {
	if id != doneJob.ID {
		return nil, nil, common.NotFoundf("job %s not found", id)
	}
	ch := make(chan hub.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

type exporter struct{}

func (exporter) ExportJobsXLSX(context.Context, int) ([]byte, error) {
	return []byte("PK\x03\x04"), nil
}

func newServer(t *testing.T, s *stub, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(s, exporter{}, cfg, testLog).Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	b, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(b, &out)
	return resp, out
}

func TestCreateJob(t *testing.T) {
	srv := newServer(t, &stub{}, Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/jobs", `{"url":"https://example.com/v1"}`)
	if resp.StatusCode != http.StatusCreated || body["id"] != "job-2" || body["stage"] != "pending" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}

	for _, bad := range []string{`{}`, `{"url":"x","foo":1}`, `nope`, `{"url":"https://blocked.example"}`} {
		resp, body := do(t, http.MethodPost, srv.URL+"/api/jobs", bad)
		if resp.StatusCode != http.StatusBadRequest || body["error"] == nil {
			t.Errorf("%s: status %d body %v", bad, resp.StatusCode, body)
		}
	}
}

func TestGetJob(t *testing.T) {
	srv := newServer(t, &stub{}, Config{})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/jobs/job-1", "")
	if resp.StatusCode != http.StatusOK || body["formatted_text"] != "Hello, World." {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/jobs/unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	s := &stub{}
	srv := newServer(t, s, Config{})
	resp, err := http.Get(srv.URL + "/api/jobs?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []entity.Job
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || len(list) != 1 || s.lastLimit.Load() != 5 {
		t.Fatalf("status %d list %v limit %d", resp.StatusCode, list, s.lastLimit.Load())
	}
	bad, _ := do(t, http.MethodGet, srv.URL+"/api/jobs?limit=-1", "")
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", bad.StatusCode)
	}
}

func TestRegenerate(t *testing.T) {
	srv := newServer(t, &stub{}, Config{})
	resp, body := do(t, http.MethodPost, srv.URL+"/api/jobs/job-1/regenerate", "")
	if resp.StatusCode != http.StatusAccepted || body["stage"] != "formatting" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/jobs/raw-less/regenerate", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("precondition status = %d", resp.StatusCode)
	}
}

func TestExport(t *testing.T) {
	srv := newServer(t, &stub{}, Config{})
	resp, err := http.Get(srv.URL + "/api/jobs/export.xlsx")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("status %d headers %v", resp.StatusCode, resp.Header)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).JobCreated()
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newServer(t, &stub{}, Config{
		Gatherer: reg,
		Health: func(context.Context) error {
			if !healthy.Load() {
				return errors.New("db down")
			}
			return nil
		},
	})

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	healthy.Store(false)
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz = %d", resp.StatusCode)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	b, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(b), "transcript_jobs_created_total 1") {
		t.Fatalf("metrics missing counter:\n%s", b)
	}
}

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		common.NotFoundf("x"):                               http.StatusNotFound,
		common.Validationf("x"):                             http.StatusBadRequest,
		common.PreconditionFailedf("x"):                     http.StatusConflict,
		common.Tag(common.ErrPersistence, errors.New("io")): http.StatusServiceUnavailable,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusCode(err); got != want {
			t.Errorf("StatusCode(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestWebSocketStreamsUntilTerminal(t *testing.T) {
	s := &stub{events: []hub.Event{
		{Stage: constants.StageTranscribing, Chunk: "hello ", Words: 1},
		{Stage: constants.StageDone, FormattedText: "Hello, World.", Message: "Done"},
	}}
	srv := newServer(t, s, Config{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/jobs/job-1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got []map[string]any
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		got = append(got, ev)
	}
	if len(got) != 2 || got[0]["chunk"] != "hello " || got[1]["stage"] != "done" {
		t.Fatalf("events = %v", got)
	}
	if _, ok := got[0]["raw_text"]; ok {
		t.Fatalf("empty fields should be omitted: %v", got[0])
	}

	if _, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "job-1", "missing", 1), nil); err == nil {
		t.Fatal("dial to unknown job succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: %v", err)
	}
}
