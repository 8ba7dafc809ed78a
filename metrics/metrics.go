// Package metrics holds the prometheus counters exposed on /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	transitions   *prometheus.CounterVec
	actions       *prometheus.CounterVec
	casRetries    *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers the counters on reg. Pass prometheus.DefaultRegisterer in main.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_transitions_total",
			Help: "Status transition requests by entity and outcome.",
		}, []string{"entity", "to_status", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_automation_actions_total",
			Help: "Automation actions run by the dispatcher by outcome.",
		}, []string{"action", "status"}),
		casRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_stock_cas_retries_total",
			Help: "Stock ledger compare-and-set misses that were retried.",
		}, []string{"operation"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_notifications_total",
			Help: "Notification relay outcomes by channel and provider.",
		}, []string{"channel", "provider", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.actions, m.casRetries, m.notifications)
	}
	return m
}

func (m *Metrics) Transition(entity, toStatus, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, toStatus, outcome).Inc()
}

func (m *Metrics) Action(action, status string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, status).Inc()
}

func (m *Metrics) CASRetry(operation string) {
	if m == nil {
		return
	}
	m.casRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Notification(channel, provider, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, provider, status).Inc()
}
