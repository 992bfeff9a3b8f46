// Package metrics exposes prometheus collectors for the session keeper and
// the dispatch service. Every method is safe on a nil receiver.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var sessionStates = []string{"uninitialized", "pairing_required", "authenticated", "ready", "disconnected"}

type Metrics struct {
	sessionState       *prometheus.GaugeVec
	sessionTransitions *prometheus.CounterVec
	reconnects         prometheus.Counter
	outcomes           *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	jobRecipients      prometheus.Histogram
	queueDepth         prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wablast",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wablast",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wablast",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Fresh connections started after the first one",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wablast",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Per-recipient dispatch outcomes",
		}, []string{"status", "category"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wablast",
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished dispatch jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		jobRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wablast",
			Subsystem: "dispatch",
			Name:      "job_recipients",
			Help:      "Recipients per finished dispatch job",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wablast",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Jobs waiting for the dispatch worker",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sessionState, m.sessionTransitions, m.reconnects, m.outcomes, m.jobDuration, m.jobRecipients, m.queueDepth)
	return m
}
