// Package prommetrics provides a Prometheus implementation of the
// gobilling.Metrics interface.
package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/merchmail/gobilling/pkg/gobilling"
)

// Metrics implements gobilling.Metrics using Prometheus.
type Metrics struct {
	stateTransitionsTotal   *prometheus.CounterVec
	sessionTransitionsTotal *prometheus.CounterVec
	sessionsExpiredTotal    prometheus.Counter
	provisioningTotal       *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// billing core.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		stateTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscription_state_transitions_total",
			Help:      "Total number of subscription state transitions applied.",
		}, []string{"from", "to"}),

		sessionTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkout_session_transitions_total",
			Help:      "Total number of checkout session transitions applied.",
		}, []string{"from", "to"}),

		sessionsExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkout_sessions_expired_total",
			Help:      "Total number of checkout sessions moved to expired by sweeps.",
		}),

		provisioningTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "provisioning_hooks_total",
			Help:      "Total number of provisioning hook executions by outcome.",
		}, []string{"hook", "status"}),
	}
}

// RecordStateTransition implements gobilling.Metrics.
func (m *Metrics) RecordStateTransition(from, to gobilling.SubscriptionState) {
	m.stateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordSessionTransition implements gobilling.Metrics.
func (m *Metrics) RecordSessionTransition(from, to gobilling.SessionStatus) {
	m.sessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordSessionsExpired implements gobilling.Metrics.
func (m *Metrics) RecordSessionsExpired(count int) {
	m.sessionsExpiredTotal.Add(float64(count))
}

// RecordProvisioning implements gobilling.Metrics.
func (m *Metrics) RecordProvisioning(hook, status string) {
	m.provisioningTotal.WithLabelValues(hook, status).Inc()
}
