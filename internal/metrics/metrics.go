// Package metrics holds the prometheus collectors shared by the pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobsCreated    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	hubDropped     prometheus.Counter
	hubSubscribers prometheus.Gauge
	runningJobs    prometheus.Gauge
	mirrorFailures prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transcript",
			Name:      "jobs_created_total",
			Help:      "Jobs accepted by the coordinator.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transcript",
			Name:      "jobs_finished_total",
			Help:      "Pipeline runs that reached a terminal stage.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "transcript",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		}, []string{"stage"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transcript",
			Name:      "audio_cache_lookups_total",
			Help:      "Audio cache lookups by result.",
		}, []string{"result"}),
		hubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transcript",
			Name:      "hub_dropped_events_total",
			Help:      "Events dropped for slow subscribers.",
		}),
		hubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transcript",
			Name:      "hub_subscribers",
			Help:      "Live event subscriptions.",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transcript",
			Name:      "running_jobs",
			Help:      "Pipeline runs currently executing.",
		}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transcript",
			Name:      "event_mirror_failures_total",
			Help:      "Events the external mirror failed to accept.",
		}),
	}
	reg.MustRegister(m.jobsCreated, m.jobsFinished, m.stageDuration, m.cacheLookups,
		m.hubDropped, m.hubSubscribers, m.runningJobs, m.mirrorFailures)
	return m
}

func (m *Metrics) JobCreated() {
	if m == nil {
		return
	}
	m.jobsCreated.Inc()
}

func (m *Metrics) JobFinished(stage string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// CacheLookup records a hit or a miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.hubDropped.Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.hubSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.hubSubscribers.Dec()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runningJobs.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runningJobs.Dec()
}

func (m *Metrics) MirrorFailed() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}
