// Package bailian transcribes audio with the DashScope file transcription
// API: publish the file, submit an async task, poll until it settles.
package bailian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

// Uploader publishes a local file and returns a URL the provider can fetch.
type Uploader interface {
	Upload(ctx context.Context, jobID, path string) (string, error)
}

type Config struct {
	APIKey          string
	BaseURL         string // default https://dashscope.aliyuncs.com/api/v1
	Model           string
	Language        string
	PollInterval    time.Duration
	MaxPollFailures int // consecutive failed polls tolerated
}

type Client struct {
	cfg      Config
	uploader Uploader
	http     *http.Client
	log      *slog.Logger
}

func NewClient(cfg Config, uploader Uploader, httpClient *http.Client, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = constants.DefaultBailianModel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, uploader: uploader, http: httpClient, log: log}
}

type taskOutput struct {
	TaskID     string `json:"task_id"`
	TaskStatus string `json:"task_status"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Results    []struct {
		TranscriptionURL string `json:"transcription_url"`
		URL              string `json:"url"`
	} `json:"results"`
	Result *struct {
		TranscriptionURL string `json:"transcription_url"`
	} `json:"result"`
}

type taskEnvelope struct {
	Output *taskOutput `json:"output"`
}

func decodeOutput(raw []byte) (taskOutput, error) {
	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return taskOutput{}, err
	}
	if env.Output != nil {
		return *env.Output, nil
	}
	var out taskOutput
	err := json.Unmarshal(raw, &out)
	return out, err
}

func (o taskOutput) resultURL() string {
	if o.Result != nil && o.Result.TranscriptionURL != "" {
		return o.Result.TranscriptionURL
	}
	for _, r := range o.Results {
		if r.TranscriptionURL != "" {
			return r.TranscriptionURL
		}
		if r.URL != "" {
			return r.URL
		}
	}
	return ""
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

// Transcribe implements adapters.Transcriber.
func (c *Client) Transcribe(ctx context.Context, req adapters.TranscribeRequest) adapters.Stream {
	return func(yield func(adapters.Unit, error) bool) {
		fail := func(err error) { yield(adapters.Unit{}, common.Tag(common.ErrTranscription, err)) }

		if c.cfg.APIKey == "" {
			fail(errors.New("DASHSCOPE_API_KEY is required for the bailian provider"))
			return
		}
		if c.uploader == nil {
			fail(errors.New("object storage is required for the bailian provider"))
			return
		}
		model := req.Model
		if model == "" {
			model = c.cfg.Model
		}

		fileURL, err := c.uploader.Upload(ctx, req.JobID, req.AudioPath)
		if err != nil {
			fail(fmt.Errorf("upload audio: %w", err))
			return
		}
		if !yield(adapters.Unit{Message: "Audio uploaded, submitting transcription task"}, nil) {
			return
		}

		taskID, err := c.submit(ctx, model, fileURL)
		if err != nil {
			fail(err)
			return
		}
		c.log.Info("bailian.task.submitted", "job_id", req.JobID, "task_id", taskID, "model", model)
		if !yield(adapters.Unit{TaskID: taskID, Message: "Transcription task submitted, task_id=" + taskID}, nil) {
			return
		}

		out, ok := c.poll(ctx, req.JobID, taskID, yield)
		if !ok {
			return
		}
		u := out.resultURL()
		if u == "" {
			fail(fmt.Errorf("task %s succeeded without a transcription url", taskID))
			return
		}
		text, err := c.download(ctx, u)
		if err != nil {
			fail(err)
			return
		}
		c.log.Info("bailian.task.ok", "job_id", req.JobID, "task_id", taskID, "chars", len(text))
		yield(adapters.Unit{Final: true, Text: text, Message: "Transcription complete"}, nil)
	}
}

func (c *Client) submit(ctx context.Context, model, fileURL string) (string, error) {
	body := map[string]any{
		"model": model,
		"input": map[string]any{"file_url": fileURL},
		"parameters": map[string]any{
			"language":   c.cfg.Language,
			"enable_itn": true,
		},
	}
	h := c.headers()
	h["X-DashScope-Async"] = "enable"
	raw, err := adapters.SendJSON(ctx, c.http, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/services/audio/asr/transcription", body, h, c.log)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	out, err := decodeOutput(raw)
	if err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("missing task_id in response: %s", string(raw))
	}
	return out.TaskID, nil
}

// poll waits for the task to settle. It reports false when it already
// yielded an error or the consumer stopped.
func (c *Client) poll(ctx context.Context, jobID, taskID string, yield func(adapters.Unit, error) bool) (taskOutput, bool) {
	fail := func(err error) { yield(adapters.Unit{}, common.Tag(common.ErrTranscription, err)) }
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/tasks/" + taskID
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	lastStatus := ""
	for {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return taskOutput{}, false
		case <-ticker.C:
		}

		raw, err := adapters.SendJSON(ctx, c.http, http.MethodPost, endpoint, nil, c.headers(), c.log)
		var out taskOutput
		if err == nil {
			out, err = decodeOutput(raw)
		}
		if err != nil {
			if ctx.Err() != nil {
				fail(ctx.Err())
				return taskOutput{}, false
			}
			failures++
			c.log.Warn("bailian.task.poll_failed", "job_id", jobID, "task_id", taskID, "failures", failures, "error", err)
			if failures > c.cfg.MaxPollFailures {
				fail(fmt.Errorf("poll task %s: %d consecutive failures: %w", taskID, failures, err))
				return taskOutput{}, false
			}
			continue
		}
		failures = 0

		switch out.TaskStatus {
		case "PENDING", "RUNNING":
			if out.TaskStatus != lastStatus {
				lastStatus = out.TaskStatus
				if !yield(adapters.Unit{Message: "Transcription in progress (" + out.TaskStatus + ")"}, nil) {
					return taskOutput{}, false
				}
			}
		case "SUCCEEDED":
			return out, true
		case "FAILED", "CANCELED", "UNKNOWN":
			msg := out.Message
			if msg == "" {
				msg = "bailian task " + strings.ToLower(out.TaskStatus)
			}
			fail(errors.New(msg))
			return taskOutput{}, false
		default:
			fail(fmt.Errorf("unknown task status %q", out.TaskStatus))
			return taskOutput{}, false
		}
	}
}

func (c *Client) download(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch transcription: %w", err)
	}
	if err := adapters.CheckStatus(resp); err != nil {
		return "", fmt.Errorf("fetch transcription: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription: %w", err)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if text, ok := extractText(raw); ok {
			return text, nil
		}
	}
	return string(raw), nil
}

// extractText pulls the transcript out of a result document.
func extractText(raw []byte) (string, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", false
	}
	for _, k := range []string{"transcription", "text", "result"} {
		var s string
		if v, ok := doc[k]; ok && json.Unmarshal(v, &s) == nil {
			return s, true
		}
	}
	var ts []struct {
		Text string `json:"text"`
	}
	if v, ok := doc["transcripts"]; ok && json.Unmarshal(v, &ts) == nil && len(ts) > 0 {
		parts := make([]string, 0, len(ts))
		for _, t := range ts {
			parts = append(parts, t.Text)
		}
		return strings.Join(parts, "\n"), true
	}
	return "", false
}
