package metrics

import "time"

func (m *Metrics) ObserveState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
	m.sessionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ObserveOutcome(status, category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "none"
	}
	m.outcomes.WithLabelValues(status, category).Inc()
}

func (m *Metrics) ObserveJob(took time.Duration, outcomes int) {
	if m == nil {
		return
	}
	m.jobDuration.Observe(took.Seconds())
	m.jobRecipients.Observe(float64(outcomes))
}

func (m *Metrics) ObserveQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
