// Package metrics provides Prometheus metrics collection for the
// ingestion, clustering, scheduling, RCA, and code-indexing subsystems.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics exposed by the process.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Ingestion (C9)
	IngestRecordsTotal *prometheus.CounterVec // result=accepted|duplicate|rejected

	// Clustering (C6)
	ClustersCreatedTotal *prometheus.CounterVec
	ClustersUpdatedTotal *prometheus.CounterVec

	// Scheduler (C10/C11)
	SchedulerTasksDispatchedTotal *prometheus.CounterVec // task_name
	SchedulerTasksRunning         prometheus.Gauge

	// RCA (C7)
	RCAGeneratedTotal    *prometheus.CounterVec // status=success|failed
	RCACallDurationSecs  *prometheus.HistogramVec
	RCATokensUsedTotal   prometheus.Counter

	// Code indexer (C5)
	CodeIndexRunsTotal     *prometheus.CounterVec // mode=full|incremental|skip
	CodeIndexBlocksCreated prometheus.Counter

	// Database
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors"},
			[]string{"service", "type", "operation"},
		),
		IngestRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ingest_records_total", Help: "Total number of push-ingested log records by outcome"},
			[]string{"result"},
		),
		ClustersCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "clusters_created_total", Help: "Total number of new exception clusters created"},
			[]string{"strategy"},
		),
		ClustersUpdatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "clusters_updated_total", Help: "Total number of existing exception clusters updated"},
			[]string{"strategy"},
		),
		SchedulerTasksDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_tasks_dispatched_total", Help: "Total number of per-tenant tasks dispatched by the scheduler"},
			[]string{"task_name"},
		),
		SchedulerTasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "scheduler_tasks_running", Help: "Current number of running task executions"},
		),
		RCAGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rca_generated_total", Help: "Total number of RCA generation attempts by outcome"},
			[]string{"status"},
		),
		RCACallDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rca_call_duration_seconds",
				Help:    "LLM RCA call duration in seconds",
				Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"status"},
		),
		RCATokensUsedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "rca_tokens_used_total", Help: "Total number of LLM tokens consumed by RCA generation"},
		),
		CodeIndexRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "codeindex_runs_total", Help: "Total number of code indexing runs by mode"},
			[]string{"mode"},
		),
		CodeIndexBlocksCreated: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "codeindex_blocks_created_total", Help: "Total number of code blocks created by the indexer"},
		),
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "database_queries_total", Help: "Total number of database queries"},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "database_connections_open", Help: "Current number of open database connections"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.IngestRecordsTotal,
			m.ClustersCreatedTotal,
			m.ClustersUpdatedTotal,
			m.SchedulerTasksDispatchedTotal,
			m.SchedulerTasksRunning,
			m.RCAGeneratedTotal,
			m.RCACallDurationSecs,
			m.RCATokensUsedTotal,
			m.CodeIndexRunsTotal,
			m.CodeIndexBlocksCreated,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)
	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordIngest records a single ingested record's outcome.
func (m *Metrics) RecordIngest(result string) {
	m.IngestRecordsTotal.WithLabelValues(result).Inc()
}

// RecordClusterCreated records the creation of a new cluster.
func (m *Metrics) RecordClusterCreated(strategy string) {
	m.ClustersCreatedTotal.WithLabelValues(strategy).Inc()
}

// RecordClusterUpdated records an update to an existing cluster.
func (m *Metrics) RecordClusterUpdated(strategy string) {
	m.ClustersUpdatedTotal.WithLabelValues(strategy).Inc()
}

// RecordSchedulerDispatch records a scheduler task dispatch.
func (m *Metrics) RecordSchedulerDispatch(taskName string) {
	m.SchedulerTasksDispatchedTotal.WithLabelValues(taskName).Inc()
}

// RecordRCA records the outcome and duration of an RCA generation attempt.
func (m *Metrics) RecordRCA(status string, duration time.Duration, tokensUsed int) {
	m.RCAGeneratedTotal.WithLabelValues(status).Inc()
	m.RCACallDurationSecs.WithLabelValues(status).Observe(duration.Seconds())
	if tokensUsed > 0 {
		m.RCATokensUsedTotal.Add(float64(tokensUsed))
	}
}

// RecordCodeIndexRun records a code indexing run.
func (m *Metrics) RecordCodeIndexRun(mode string, blocksCreated int) {
	m.CodeIndexRunsTotal.WithLabelValues(mode).Inc()
	if blocksCreated > 0 {
		m.CodeIndexBlocksCreated.Add(float64(blocksCreated))
	}
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests gauge.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight requests gauge.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("SENTINEL_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return getEnvironment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, creating a default one if needed.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("sentinel")
	}
	return globalMetrics
}
