// Package adapters defines the contract between the stage executor and the
// external providers that download, transcribe and format.
package adapters

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

// Unit is one element of a provider stream.
type Unit struct {
	Delta   string // incremental text, may be empty
	Message string // human-readable status line
	TaskID  string // provider task id, reported once when known
	Final   bool   // last unit; Text holds the aggregated output
	Text    string
}

// Stream is a finite lazy sequence of units. It ends after a Final unit or
// after yielding a non-nil error. Stopping iteration early releases the
// provider call.
type Stream = iter.Seq2[Unit, error]

// Downloader fetches the audio track of url into workDir.
type Downloader interface {
	Download(ctx context.Context, url, workDir string) (string, error)
}

type TranscribeRequest struct {
	JobID     string
	AudioPath string
	Model     string
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) Stream
}

// Formatter rewrites raw transcript text.
type Formatter interface {
	Format(ctx context.Context, raw string) Stream
}

// Fail returns a stream that yields err and nothing else.
func Fail(err error) Stream {
	return func(yield func(Unit, error) bool) {
		yield(Unit{}, err)
	}
}

// Collect drains s and returns the final text.
func Collect(s Stream) (string, error) {
	for u, err := range s {
		if err != nil {
			return "", err
		}
		if u.Final {
			return u.Text, nil
		}
	}
	return "", fmt.Errorf("stream ended without a final unit")
}

// Registry maps providers onto transcribers.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[constants.Provider]Transcriber
}

func NewRegistry() *Registry {
	return &Registry{transcribers: make(map[constants.Provider]Transcriber)}
}

func (r *Registry) Register(p constants.Provider, t Transcriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[p] = t
}

// Transcriber returns the adapter for p or a validation error.
func (r *Registry) Transcriber(p constants.Provider) (Transcriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transcribers[p]
	if !ok {
		return nil, common.Validationf("provider %q is not configured", p)
	}
	return t, nil
}

// Has reports whether p is registered.
func (r *Registry) Has(p constants.Provider) bool {
	_, err := r.Transcriber(p)
	return err == nil
}
