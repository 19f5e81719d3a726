// Package fake provides scripted adapters for tests.
package fake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
)

// Downloader writes a placeholder mp3 and counts calls.
type Downloader struct {
	Err   error
	Gate  chan struct{} // when set, every call waits for it to close
	calls atomic.Int32
}

func (d *Downloader) Download(ctx context.Context, url, workDir string) (string, error) {
	d.calls.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if d.Err != nil {
		return "", d.Err
	}
	p := filepath.Join(workDir, "audio.mp3")
	if err := os.WriteFile(p, []byte("ID3 "+url), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// Calls returns how many downloads were attempted.
func (d *Downloader) Calls() int { return int(d.calls.Load()) }

// script yields chunks, then err if set, else a final unit with the joined text.
type script struct {
	Chunks []string
	Err    error
	Gate   chan struct{} // when set, waits before the final unit
}

func (s script) stream(ctx context.Context, prelude ...adapters.Unit) adapters.Stream {
	return func(yield func(adapters.Unit, error) bool) {
		for _, u := range prelude {
			if !yield(u, nil) {
				return
			}
		}
		var b strings.Builder
		for _, c := range s.Chunks {
			if err := ctx.Err(); err != nil {
				yield(adapters.Unit{}, err)
				return
			}
			b.WriteString(c)
			if !yield(adapters.Unit{Delta: c}, nil) {
				return
			}
		}
		if s.Gate != nil {
			select {
			case <-s.Gate:
			case <-ctx.Done():
				yield(adapters.Unit{}, ctx.Err())
				return
			}
		}
		if s.Err != nil {
			yield(adapters.Unit{}, s.Err)
			return
		}
		yield(adapters.Unit{Final: true, Text: b.String()}, nil)
	}
}

// Transcriber streams Chunks as the transcript.
type Transcriber struct {
	Chunks []string
	Err    error
	TaskID string
	Gate   chan struct{}
	calls  atomic.Int32
}

func (t *Transcriber) Transcribe(ctx context.Context, req adapters.TranscribeRequest) adapters.Stream {
	t.calls.Add(1)
	var prelude []adapters.Unit
	if t.TaskID != "" {
		prelude = append(prelude, adapters.Unit{TaskID: t.TaskID, Message: "task submitted"})
	}
	return script{Chunks: t.Chunks, Err: t.Err, Gate: t.Gate}.stream(ctx, prelude...)
}

func (t *Transcriber) Calls() int { return int(t.calls.Load()) }

// Formatter streams Chunks as the formatted text.
type Formatter struct {
	Chunks []string
	Err    error
	Gate   chan struct{}
	calls  atomic.Int32
	lastIn atomic.Value
}

func (f *Formatter) Format(ctx context.Context, raw string) adapters.Stream {
	f.calls.Add(1)
	f.lastIn.Store(raw)
	return script{Chunks: f.Chunks, Err: f.Err, Gate: f.Gate}.stream(ctx)
}

func (f *Formatter) Calls() int { return int(f.calls.Load()) }

// LastInput returns the raw text of the most recent Format call.
func (f *Formatter) LastInput() string {
	s, _ := f.lastIn.Load().(string)
	return s
}
