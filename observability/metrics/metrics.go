package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ExchangeMetrics aggregates the counters exported by the exchange core.
type ExchangeMetrics struct {
	transitions      *prometheus.CounterVec
	guardDenials     *prometheus.CounterVec
	sagaSteps        *prometheus.CounterVec
	swapOutcomes     *prometheus.CounterVec
	webhookFailures  *prometheus.CounterVec
	notifyFailures   *prometheus.CounterVec
	roomsByTerminal  *prometheus.CounterVec
}

var (
	exchangeOnce     sync.Once
	exchangeRegistry *ExchangeMetrics
)

// Exchange returns the process-wide exchange metrics registry.
func Exchange() *ExchangeMetrics {
	exchangeOnce.Do(func() {
		exchangeRegistry = &ExchangeMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_transitions_total",
				Help: "Count of committed state transitions by action and outcome.",
			}, []string{"action", "outcome"}),
			guardDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_guard_denials_total",
				Help: "Count of guard denials by action and reason.",
			}, []string{"action", "reason"}),
			sagaSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_saga_steps_total",
				Help: "Count of saga step executions by saga, step and outcome.",
			}, []string{"saga", "step", "outcome"}),
			swapOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_swap_outcomes_total",
				Help: "Terminal atomic swap outcomes.",
			}, []string{"outcome"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_webhook_failures_total",
				Help: "Number of rejected or failed inbound webhooks by source.",
			}, []string{"source"}),
			notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_notification_failures_total",
				Help: "Number of exhausted notification deliveries by event.",
			}, []string{"event"}),
			roomsByTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapdesk_rooms_terminal_total",
				Help: "Rooms reaching a terminal state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(
			exchangeRegistry.transitions,
			exchangeRegistry.guardDenials,
			exchangeRegistry.sagaSteps,
			exchangeRegistry.swapOutcomes,
			exchangeRegistry.webhookFailures,
			exchangeRegistry.notifyFailures,
			exchangeRegistry.roomsByTerminal,
		)
	})
	return exchangeRegistry
}

// Transition records a committed or failed transition attempt.
func (m *ExchangeMetrics) Transition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

// GuardDenial records a guard rejection.
func (m *ExchangeMetrics) GuardDenial(action, reason string) {
	if m == nil {
		return
	}
	m.guardDenials.WithLabelValues(action, reason).Inc()
}

// SagaStep records a saga step outcome.
func (m *ExchangeMetrics) SagaStep(saga, step, outcome string) {
	if m == nil {
		return
	}
	m.sagaSteps.WithLabelValues(saga, step, outcome).Inc()
}

// SwapOutcome records a terminal swap saga outcome.
func (m *ExchangeMetrics) SwapOutcome(outcome string) {
	if m == nil {
		return
	}
	m.swapOutcomes.WithLabelValues(outcome).Inc()
}

// WebhookFailure records a rejected inbound webhook.
func (m *ExchangeMetrics) WebhookFailure(source string) {
	if m == nil {
		return
	}
	m.webhookFailures.WithLabelValues(source).Inc()
}

// NotifyFailure records an exhausted notification delivery.
func (m *ExchangeMetrics) NotifyFailure(event string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(event).Inc()
}

// RoomTerminal records a room reaching a terminal state.
func (m *ExchangeMetrics) RoomTerminal(state string) {
	if m == nil {
		return
	}
	m.roomsByTerminal.WithLabelValues(state).Inc()
}
