// Package metrics holds the Prometheus counters of the orchestration client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll tick results.
const (
	TickOK       = "ok"
	TickError    = "error"
	TickTerminal = "terminal"
)

// Job outcomes.
const (
	JobDispatched = "dispatched"
	JobReport     = "report"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobIncomplete = "incomplete"
)

type Metrics struct {
	Registry *prometheus.Registry

	pollTicks       *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	rowSyncFailures prometheus.Counter
	importRows      *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		pollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trainline_poll_ticks_total",
			Help: "Job status polls by result",
		}, []string{"result"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trainline_jobs_total",
			Help: "Executions by mode and outcome",
		}, []string{"mode", "outcome"}),
		rowSyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "trainline_row_sync_failures_total",
			Help: "Row set saves that failed and left a session dirty",
		}),
		importRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trainline_import_rows_total",
			Help: "Rows produced by the delimited importer by schema",
		}, []string{"schema"}),
	}
}

func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) Job(mode, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) RowSyncFailed() {
	if m == nil {
		return
	}
	m.rowSyncFailures.Inc()
}

func (m *Metrics) Imported(schema string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.importRows.WithLabelValues(schema).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
