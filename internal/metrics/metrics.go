// Package metrics exposes Prometheus instruments for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foreman"

var (
	// plansTotal counts plans reaching a terminal or pending state.
	// Labels: status
	plansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "plans_total",
		Help:      "Plans by final status",
	}, []string{"status"})

	// stepDuration measures step execution time.
	// Labels: action, kind, status
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "step_duration_seconds",
		Help:      "Step execution time in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
	}, []string{"action", "kind", "status"})

	// compensationsTotal counts compensations run during rollback.
	// Labels: action, status
	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "compensations_total",
		Help:      "Compensating actions run during rollback",
	}, []string{"action", "status"})

	// routerSelections counts endpoint selections.
	// Labels: tier, endpoint, fallback (true when the preferred tier was skipped)
	routerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "selections_total",
		Help:      "Endpoint selections by tier",
	}, []string{"tier", "endpoint", "fallback"})

	// routerErrors counts routing failures.
	// Labels: reason (no_healthy_endpoint, pool_timeout)
	routerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "errors_total",
		Help:      "Routing failures by reason",
	}, []string{"reason"})

	// endpointHealthy reports the cached health of each endpoint.
	// Labels: tier, endpoint
	endpointHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "endpoint_healthy",
		Help:      "1 if the endpoint passed its last health check",
	}, []string{"tier", "endpoint"})

	// activeWorkers is the number of live worker handles.
	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "active",
		Help:      "Live worker handles",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Plans waiting in the dispatch queue",
	})

	// scheduledRuns counts housekeeping task runs.
	// Labels: task, status (success, error)
	scheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduled task runs by outcome",
	}, []string{"task", "status"})

	// workerTerminations counts workers ending, by reason.
	// Labels: reason (complete, error, heartbeat_timeout, wall_clock, cancelled)
	workerTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "terminations_total",
		Help:      "Worker terminal transitions by reason",
	}, []string{"reason"})

	// evaluationScores counts overall evaluation scores.
	// Labels: score
	evaluationScores = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluator",
		Name:      "scores_total",
		Help:      "Overall evaluation scores",
	}, []string{"score"})

	// escalationsTotal counts units handed to a human.
	// Labels: reason
	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluator",
		Name:      "escalations_total",
		Help:      "Units of work escalated to a human",
	}, []string{"reason"})
)

// RecordPlan records a plan reaching status.
func RecordPlan(status string) {
	plansTotal.WithLabelValues(status).Inc()
}

// RecordStep records a finished step.
func RecordStep(action, kind, status string, durationSec float64) {
	stepDuration.WithLabelValues(action, kind, status).Observe(durationSec)
}

// RecordCompensation records a compensation attempt.
func RecordCompensation(action string, ok bool) {
	compensationsTotal.WithLabelValues(action, okLabel(ok)).Inc()
}

// RecordSelection records an endpoint chosen by the router.
func RecordSelection(tier, endpoint string, fallback bool) {
	f := "false"
	if fallback {
		f = "true"
	}
	routerSelections.WithLabelValues(tier, endpoint, f).Inc()
}

// RecordRouterError records a routing failure.
func RecordRouterError(reason string) {
	routerErrors.WithLabelValues(reason).Inc()
}

// SetEndpointHealth publishes a health check result.
func SetEndpointHealth(tier, endpoint string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	endpointHealthy.WithLabelValues(tier, endpoint).Set(v)
}

// SetActiveWorkers publishes the live worker count.
func SetActiveWorkers(n int) {
	activeWorkers.Set(float64(n))
}

// SetQueueDepth publishes the number of queued plans.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordScheduledRun records one run of a housekeeping task.
func RecordScheduledRun(task string, ok bool) {
	scheduledRuns.WithLabelValues(task, okLabel(ok)).Inc()
}

// RecordWorkerTermination records why a worker ended.
func RecordWorkerTermination(reason string) {
	workerTerminations.WithLabelValues(reason).Inc()
}

// RecordEvaluation records an overall evaluation score.
func RecordEvaluation(score string) {
	evaluationScores.WithLabelValues(score).Inc()
}

// RecordEscalation records a hand-off to a human.
func RecordEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func okLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
