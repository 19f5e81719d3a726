package hub

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func drain(s *Subscription) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

// TestFanOutPreservesOrder checks that every subscriber sees the same sequence.
func TestFanOutPreservesOrder(t *testing.T) {
	h := New(testLog)
	a, b := h.Subscribe("j"), h.Subscribe("j")
	h.Publish("j", Event{Stage: constants.StageDownloading})
	h.Publish("j", Event{Stage: constants.StageTranscribing, Chunk: "hi", Words: 1})
	h.Publish("j", Event{Stage: constants.StageDone})

	for _, s := range []*Subscription{a, b} {
		got := drain(s)
		if len(got) != 3 || got[0].Stage != constants.StageDownloading || got[2].Stage != constants.StageDone {
			t.Fatalf("events = %+v", got)
		}
	}
	if h.Subscribers("j") != 0 {
		t.Fatalf("terminal event left subscribers registered")
	}
}

func TestNoHistory(t *testing.T) {
	h := New(testLog)
	h.Publish("j", Event{Stage: constants.StageDownloading})
	s := h.Subscribe("j")
	h.Publish("j", Event{Stage: constants.StageDone})
	got := drain(s)
	if len(got) != 1 || got[0].Stage != constants.StageDone {
		t.Fatalf("late subscriber saw %+v", got)
	}
}

func TestJobsAreIsolated(t *testing.T) {
	h := New(testLog)
	a := h.Subscribe("a")
	h.Publish("b", Event{Stage: constants.StageDone})
	h.Publish("a", Event{Stage: constants.StageError, Error: "x"})
	got := drain(a)
	if len(got) != 1 || got[0].Stage != constants.StageError {
		t.Fatalf("events = %+v", got)
	}
}

// TestSlowSubscriberStillGetsTerminal checks that a full buffer drops chunks
// but never the terminal event.
func TestSlowSubscriberStillGetsTerminal(t *testing.T) {
	h := New(testLog, WithBuffer(2))
	s := h.Subscribe("j")
	for i := 0; i < 10; i++ {
		h.Publish("j", Event{Stage: constants.StageTranscribing, Chunk: "x", Words: i + 1})
	}
	h.Publish("j", Event{Stage: constants.StageDone, Message: "Done"})

	got := drain(s)
	if len(got) != 2 {
		t.Fatalf("got %d events, want buffer size 2: %+v", len(got), got)
	}
	if last := got[len(got)-1]; last.Stage != constants.StageDone {
		t.Fatalf("last event = %+v, want done", last)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New(testLog)
	s := h.Subscribe("j")
	s.Close()
	s.Close()
	h.Publish("j", Event{Stage: constants.StageDone})
	if _, ok := <-s.Events(); ok {
		t.Fatalf("closed subscription delivered an event")
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	seen []Event
	err  error
}

func (m *recordingMirror) Mirror(_ string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, ev)
	return m.err
}

func TestMirrorSeesEveryEvent(t *testing.T) {
	m := &recordingMirror{err: errors.New("nats down")}
	h := New(testLog, WithMirror(m))
	h.Publish("j", Event{Stage: constants.StageDownloading})
	h.Publish("j", Event{Stage: constants.StageDone})
	if len(m.seen) != 2 {
		t.Fatalf("mirror saw %d events", len(m.seen))
	}
}

// TestConcurrentPublishAndClose is meant for -race.
func TestConcurrentPublishAndClose(t *testing.T) {
	h := New(testLog, WithBuffer(4))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		s := h.Subscribe("j")
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for range s.Events() {
				if n++; n == 3 {
					s.Close()
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		h.Publish("j", Event{Stage: constants.StageTranscribing, Chunk: "x"})
	}
	h.Publish("j", Event{Stage: constants.StageDone})
	wg.Wait()
}

// TestDeliverReportsDisplacedEvent checks that a queued non-chunk event is not
// itself reported as lost; the event it displaced is.
func TestDeliverReportsDisplacedEvent(t *testing.T) {
	s := &Subscription{ch: make(chan Event, 1)}
	chunk := Event{Stage: constants.StageTranscribing, Chunk: "a", Words: 1}
	if _, dropped := s.deliver(chunk); dropped {
		t.Fatal("first event reported dropped")
	}
	if lost, dropped := s.deliver(Event{Stage: constants.StageTranscribing, Chunk: "b", Words: 2}); !dropped || lost.Chunk != "b" {
		t.Fatalf("overflowing chunk: lost=%+v dropped=%v", lost, dropped)
	}
	msg := Event{Stage: constants.StageFormatting, Message: "Formatting"}
	lost, dropped := s.deliver(msg)
	if !dropped || lost.Chunk != "a" {
		t.Fatalf("displacing event: lost=%+v dropped=%v, want the queued chunk", lost, dropped)
	}
	if got := <-s.ch; got.Message != "Formatting" {
		t.Fatalf("queued = %+v, want the formatting event", got)
	}
}

func TestDroppedEventsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(testLog, WithBuffer(1), WithMetrics(metrics.New(reg)))
	s := h.Subscribe("j")
	h.Publish("j", Event{Stage: constants.StageTranscribing, Chunk: "a", Words: 1})
	h.Publish("j", Event{Stage: constants.StageFormatting, Message: "Formatting"})
	h.Publish("j", Event{Stage: constants.StageDone, Message: "Done"})

	got := drain(s)
	if len(got) != 1 || got[0].Stage != constants.StageDone {
		t.Fatalf("events = %+v, want only done", got)
	}
	if n := counterValue(t, reg, "transcript_hub_dropped_events_total"); n != 2 {
		t.Fatalf("dropped = %v, want 2", n)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
