package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "havoc_requests_total",
			Help: "Total API requests by resource, command and outcome",
		},
		[]string{"resource", "command", "outcome"},
	)

	AuthDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "havoc_auth_denied_total",
			Help: "Total requests denied by signature verification",
		},
	)

	// Task metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "havoc_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	InstructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "havoc_instructions_total",
			Help: "Total instructions dispatched by command",
		},
		[]string{"command"},
	)

	ResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "havoc_results_total",
			Help: "Total results delivered by workers",
		},
	)

	// Orchestration metrics
	ListenersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "havoc_listeners_total",
			Help: "Total number of provisioned listeners",
		},
	)

	StepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "havoc_provision_step_failures_total",
			Help: "Provisioning workflow failures by step",
		},
		[]string{"step"},
	)

	QueueEntriesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "havoc_queue_entries_expired_total",
			Help: "Result-queue entries removed by the expiry sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		AuthDeniedTotal,
		TasksByStatus,
		InstructionsTotal,
		ResultsTotal,
		ListenersTotal,
		StepFailuresTotal,
		QueueEntriesExpired,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
