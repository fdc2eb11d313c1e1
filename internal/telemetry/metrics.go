package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "funnel"

var (
	// EventsReceived — принятые webhook-и: type, result (accepted|duplicate|invalid).
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Inbound events received by the API.",
	}, []string{"type", "result"})

	// EventsProcessed — обработанные события: type, status (PROCESSED|FAILED|REJECTED).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Inbound events processed by the orchestrator.",
	}, []string{"type", "status"})

	// ExecutionsStarted — созданные executions по trigger_type.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_started_total",
		Help:      "Executions created by trigger matches.",
	}, []string{"trigger"})

	// ExecutionsFinished — завершённые executions по статусу.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_finished_total",
		Help:      "Executions that reached a terminal status.",
	}, []string{"status"})

	// Steps — шаги интерпретатора: node_type, outcome.
	Steps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Node steps executed.",
	}, []string{"node_type", "outcome"})

	// StepDuration — длительность шага.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Node step duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_type"})

	// StepRetries — повторы шагов после transient-ошибок.
	StepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_retries_total",
		Help:      "Step retries scheduled after transient errors.",
	})

	// Replays — поглощённые повторные доставки.
	Replays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replays_absorbed_total",
		Help:      "Duplicate resumes absorbed as no-ops.",
	})

	// DueExecutions — executions, найденные за один tick.
	DueExecutions = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "due_executions",
		Help:      "Due executions picked up per resume tick.",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	// ScheduleFires — срабатывания schedule-flows.
	ScheduleFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_fires_total",
		Help:      "Schedule triggers fired.",
	})

	// GraphCache — обращения к кэшу графов: result (hit|miss|error).
	GraphCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_cache_requests_total",
		Help:      "Flow graph cache lookups.",
	}, []string{"result"})

	// SecurityEvents — нарушения изоляции tenant-ов.
	SecurityEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_events_total",
		Help:      "Tenant isolation violations detected.",
	})
)
