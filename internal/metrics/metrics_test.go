package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobCreated()
	m.JobFinished("done")
	m.CacheLookup(true)
	m.EventDropped()
	m.SubscriberAdded()
	m.SubscriberRemoved()
}

// gathered sums every sample of the named family.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	if got := gathered(t, reg, "transcript_audio_cache_lookups_total"); got != 3 {
		t.Fatalf("lookups = %v, want 3", got)
	}
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	if got := gathered(t, reg, "transcript_hub_subscribers"); got != 1 {
		t.Fatalf("subscribers = %v, want 1", got)
	}
}
