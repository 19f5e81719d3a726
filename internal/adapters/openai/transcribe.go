package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

type transcriptEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transcribe uploads the audio file and streams transcript deltas.
func (c *Client) Transcribe(ctx context.Context, req adapters.TranscribeRequest) adapters.Stream {
	return func(yield func(adapters.Unit, error) bool) {
		fail := func(err error) { yield(adapters.Unit{}, common.Tag(common.ErrTranscription, err)) }

		model := req.Model
		if model == "" {
			model = c.cfg.Model
		}
		start := time.Now()
		c.log.Info("stt.transcribe.start", "job_id", req.JobID, "model", model, "file", filepath.Base(req.AudioPath))

		f, err := os.Open(req.AudioPath)
		if err != nil {
			fail(fmt.Errorf("open audio: %w", err))
			return
		}
		defer f.Close()

		pr, pw := io.Pipe()
		defer pr.Close()
		mw := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeTranscriptionForm(mw, f, model))
		}()

		endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/audio/transcriptions"
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
		if err != nil {
			fail(err)
			return
		}
		hreq.Header.Set("Content-Type", mw.FormDataContentType())
		hreq.Header.Set("Accept", "text/event-stream")
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(hreq)
		if err != nil {
			fail(fmt.Errorf("openai http error: %w", err))
			return
		}
		if err := adapters.CheckStatus(resp); err != nil {
			c.log.Error("stt.transcribe.http_error", "job_id", req.JobID, "error", err)
			fail(err)
			return
		}
		defer resp.Body.Close()

		var acc strings.Builder
		first := true
		for ev, err := range adapters.ReadSSE(resp.Body) {
			if err != nil {
				fail(err)
				return
			}
			if ev.Data == "" || ev.Data == "[DONE]" {
				continue
			}
			var te transcriptEvent
			if err := json.Unmarshal([]byte(ev.Data), &te); err != nil {
				fail(fmt.Errorf("decode event: %w", err))
				return
			}
			if first {
				c.log.Info("stt.transcribe.first_event", "job_id", req.JobID, "elapsed_ms", time.Since(start).Milliseconds())
				first = false
			}
			switch {
			case te.Error != nil:
				fail(fmt.Errorf("openai: %s", te.Error.Message))
				return
			case strings.HasSuffix(te.Type, ".delta"):
				acc.WriteString(te.Delta)
				if !yield(adapters.Unit{Delta: te.Delta}, nil) {
					return
				}
			case strings.HasSuffix(te.Type, ".done"):
				c.log.Info("stt.transcribe.ok", "job_id", req.JobID, "chars", len(te.Text),
					"elapsed_ms", time.Since(start).Milliseconds())
				yield(adapters.Unit{Final: true, Text: te.Text}, nil)
				return
			}
		}
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}
		if acc.Len() == 0 {
			fail(fmt.Errorf("transcription stream ended without text"))
			return
		}
		c.log.Warn("stt.transcribe.no_done_event", "job_id", req.JobID)
		yield(adapters.Unit{Final: true, Text: acc.String()}, nil)
	}
}

func writeTranscriptionForm(mw *multipart.Writer, f *os.File, model string) error {
	for k, v := range map[string]string{
		"model":           model,
		"response_format": "json",
		"stream":          "true",
	} {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}
