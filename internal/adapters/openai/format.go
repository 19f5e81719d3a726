package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Format streams a chat completion that rewrites raw.
func (c *Client) Format(ctx context.Context, raw string) adapters.Stream {
	return func(yield func(adapters.Unit, error) bool) {
		fail := func(err error) { yield(adapters.Unit{}, common.Tag(common.ErrFormatting, err)) }

		rid := uuid.New().String()
		start := time.Now()
		c.log.Info("llm.format.start", "req_id", rid, "model", c.cfg.Model, "text_len", len(raw))

		body := map[string]any{
			"model":       c.cfg.Model,
			"stream":      true,
			"temperature": c.cfg.Temperature,
			"messages": []map[string]any{
				{"role": "system", "content": c.cfg.Prompt},
				{"role": "user", "content": raw},
			},
		}
		b, err := json.Marshal(body)
		if err != nil {
			fail(fmt.Errorf("marshal request: %w", err))
			return
		}
		endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			fail(err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Error("llm.format.http_error", "req_id", rid, "error", err,
				"elapsed_ms", time.Since(start).Milliseconds())
			fail(fmt.Errorf("chat http error: %w", err))
			return
		}
		if err := adapters.CheckStatus(resp); err != nil {
			c.log.Error("llm.format.http_error", "req_id", rid, "error", err)
			fail(err)
			return
		}
		defer resp.Body.Close()

		var acc strings.Builder
		for ev, err := range adapters.ReadSSE(resp.Body) {
			if err != nil {
				fail(err)
				return
			}
			if ev.Data == "[DONE]" {
				break
			}
			if ev.Data == "" {
				continue
			}
			var cc chatChunk
			if err := json.Unmarshal([]byte(ev.Data), &cc); err != nil {
				c.log.Error("llm.format.decode_error", "req_id", rid, "error", err)
				fail(fmt.Errorf("decode chunk: %w", err))
				return
			}
			if cc.Error != nil {
				fail(fmt.Errorf("chat: %s", cc.Error.Message))
				return
			}
			if len(cc.Choices) == 0 || cc.Choices[0].Delta.Content == "" {
				continue
			}
			delta := cc.Choices[0].Delta.Content
			acc.WriteString(delta)
			if !yield(adapters.Unit{Delta: delta}, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}

		c.log.Info("llm.format.ok", "req_id", rid, "chars", acc.Len(),
			"elapsed_ms", time.Since(start).Milliseconds())
		yield(adapters.Unit{Final: true, Text: acc.String()}, nil)
	}
}
