package bus

import (
	"strings"

	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
)

// Envelope is the message body published for each event.
type Envelope struct {
	JobID string    `json:"job_id"`
	Event hub.Event `json:"event"`
}

type publisher interface {
	PublishJSON(subject string, v any) error
}

// EventMirror implements hub.Mirror by publishing to "<prefix>.<jobID>".
type EventMirror struct {
	pub    publisher
	prefix string
}

func NewEventMirror(pub publisher, prefix string) *EventMirror {
	return &EventMirror{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject events for jobID are published on.
func (m *EventMirror) Subject(jobID string) string {
	return m.prefix + "." + jobID
}

// Wildcard matches the events of every job.
func (m *EventMirror) Wildcard() string {
	return m.prefix + ".*"
}

func (m *EventMirror) Mirror(jobID string, ev hub.Event) error {
	return m.pub.PublishJSON(m.Subject(jobID), Envelope{JobID: jobID, Event: ev})
}
