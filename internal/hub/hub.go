// Package hub fans job progress events out to live subscribers. It keeps no
// history: a subscriber sees only what is published after it subscribed.
package hub

import (
	"log/slog"
	"sync"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Event is one progress update for a job.
type Event struct {
	Stage         constants.Stage `json:"stage,omitempty"`
	Words         int             `json:"words,omitempty"`
	Chunk         string          `json:"chunk,omitempty"`
	RawText       string          `json:"raw_text,omitempty"`
	FormattedText string          `json:"formatted_text,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// Terminal reports whether ev ends a run.
func (ev Event) Terminal() bool {
	return ev.Stage.IsTerminal()
}

// Mirror receives a copy of every published event, e.g. to forward it to a
// message bus. It must not block.
type Mirror interface {
	Mirror(jobID string, ev Event) error
}

type Hub struct {
	buffer  int
	mirror  Mirror
	metrics *metrics.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func New(log *slog.Logger, opts ...Option) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		buffer: DefaultBuffer,
		log:    log,
		topics: make(map[string]map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscription is one live listener on a job.
type Subscription struct {
	jobID string
	hub   *Hub

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Subscribe registers a listener for jobID.
func (h *Hub) Subscribe(jobID string) *Subscription {
	s := &Subscription{jobID: jobID, hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	subs, ok := h.topics[jobID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[jobID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.SubscriberAdded()
	return s
}

// Events is closed after a terminal event or Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	s.hub.metrics.SubscriberRemoved()
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[s.jobID]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, s.jobID)
	}
}

// Subscribers returns the number of live subscriptions on jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[jobID])
}

// Publish delivers ev to every subscriber of jobID without blocking. A full
// subscriber loses chunk events; other events displace the oldest queued one.
// Subscriptions end after a terminal event.
func (h *Hub) Publish(jobID string, ev Event) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.topics[jobID]))
	for s := range h.topics[jobID] {
		subs = append(subs, s)
	}
	if ev.Terminal() {
		delete(h.topics, jobID)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if lost, ok := s.deliver(ev); ok {
			h.metrics.EventDropped()
			h.log.Debug("hub.event_dropped", "job_id", jobID, "stage", lost.Stage, "chunk", lost.Chunk != "")
		}
		if ev.Terminal() {
			s.shut()
		}
	}

	if h.mirror != nil {
		if err := h.mirror.Mirror(jobID, ev); err != nil {
			h.metrics.MirrorFailed()
			h.log.Warn("hub.mirror_failed", "job_id", jobID, "error", err)
		}
	}
}

// deliver enqueues ev. When the buffer is full it returns the event that was
// lost: ev itself for a chunk, otherwise the oldest queued event it displaced.
func (s *Subscription) deliver(ev Event) (lost Event, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, false
	}
	select {
	case s.ch <- ev:
		return Event{}, false
	default:
	}
	if ev.Chunk != "" && !ev.Terminal() {
		return ev, true
	}
	// Only publishers send, and they hold s.mu, so one receive frees a slot.
	select {
	case lost = <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- ev:
	default:
		return ev, true
	}
	return lost, dropped
}
