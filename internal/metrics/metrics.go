package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PipelineMetrics struct {
	transitions     *prometheus.CounterVec
	swapAttempts    *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	gasTopUps       *prometheus.CounterVec
	recoveryActions *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	processRuns     *prometheus.HistogramVec
}

var (
	pipelineOnce     sync.Once
	pipelineRegistry *PipelineMetrics
)

// Pipeline returns the process-wide collectors, registering them on first use.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "offramp_transitions_total",
				Help: "Ledger status transitions won by this process.",
			}, []string{"from", "to"}),
			swapAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "offramp_swap_attempts_total",
				Help: "Swap attempts by provider and outcome.",
			}, []string{"provider", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "offramp_payouts_total",
				Help: "Payout provider calls by outcome.",
			}, []string{"outcome"}),
			gasTopUps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "offramp_gas_topups_total",
				Help: "Gas sponsor top-ups and sweeps by outcome.",
			}, []string{"kind", "outcome"}),
			recoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "offramp_recovery_actions_total",
				Help: "Recovery job actions.",
			}, []string{"job", "action"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "offramp_webhook_requests_total",
				Help: "Deposit webhook requests by outcome.",
			}, []string{"outcome"}),
			processRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "offramp_process_run_seconds",
				Help:    "Duration of periodic process runs.",
				Buckets: prometheus.DefBuckets,
			}, []string{"process"}),
		}
		prometheus.MustRegister(
			pipelineRegistry.transitions,
			pipelineRegistry.swapAttempts,
			pipelineRegistry.payouts,
			pipelineRegistry.gasTopUps,
			pipelineRegistry.recoveryActions,
			pipelineRegistry.webhooks,
			pipelineRegistry.processRuns,
		)
	})
	return pipelineRegistry
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *PipelineMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from), label(to)).Inc()
}

func (m *PipelineMetrics) ObserveSwapAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.swapAttempts.WithLabelValues(label(provider), label(outcome)).Inc()
}

func (m *PipelineMetrics) ObservePayout(outcome string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(label(outcome)).Inc()
}

func (m *PipelineMetrics) ObserveGas(kind, outcome string) {
	if m == nil {
		return
	}
	m.gasTopUps.WithLabelValues(label(kind), label(outcome)).Inc()
}

func (m *PipelineMetrics) ObserveRecovery(job, action string) {
	if m == nil {
		return
	}
	m.recoveryActions.WithLabelValues(label(job), label(action)).Inc()
}

func (m *PipelineMetrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(label(outcome)).Inc()
}

func (m *PipelineMetrics) ObserveProcessRun(process string, took time.Duration) {
	if m == nil {
		return
	}
	m.processRuns.WithLabelValues(label(process)).Observe(took.Seconds())
}
