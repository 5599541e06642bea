package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_sessions_active",
		Help: "Call sessions with a running step loop",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_total",
		Help: "Call sessions created",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_rejected_total",
		Help: "Calls refused because the concurrent session limit was reached",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_state_transitions_total",
		Help: "State machine transitions",
	}, []string{"from", "to"})

	Intents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_intents_total",
		Help: "Intents emitted by the state machine",
	}, []string{"kind"})

	ComplianceDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_compliance_denials_total",
		Help: "Compliance gate denials by reason and intent kind",
	}, []string{"reason", "intent"})

	QueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_queue_dropped_total",
		Help: "Non-critical events evicted from a full session queue",
	}, []string{"event"})

	StaleCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stale_completions_total",
		Help: "Completions ignored because their handle was already cleared",
	}, []string{"kind"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_errors_total",
		Help: "Collaborator and internal errors by stage",
	}, []string{"stage", "error_type"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Collaborator latency per stage",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	CallEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_call_ends_total",
		Help: "Calls ended by reason",
	}, []string{"reason"})
)
