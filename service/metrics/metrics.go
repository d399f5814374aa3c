package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Pipeline Metrics
	cyclesTotal           *prometheus.CounterVec
	cycleDuration         *prometheus.HistogramVec
	transactionsGenerated prometheus.Counter
	transactionsApplied   prometheus.Counter
	transactionsRejected  *prometheus.CounterVec
	throughput            prometheus.Gauge

	// Dispatch Metrics
	dispatchDuration  *prometheus.HistogramVec
	dispatchBatchSize prometheus.Histogram
	dispatchRetries   *prometheus.CounterVec

	// Workflow Metrics
	runWorkflowDuration *prometheus.HistogramVec
	runActivityDuration *prometheus.HistogramVec
	runWorkflowsTotal   *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Pipeline Metrics
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cycles_total",
				Help: "Total number of pipeline cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_cycle_duration_seconds",
				Help:    "Duration of a full pipeline cycle in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"outcome"},
		),
		transactionsGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_transactions_generated_total",
				Help: "Total number of transactions produced by the batch generator",
			},
		),
		transactionsApplied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_transactions_applied_total",
				Help: "Total number of transactions applied to the ledger",
			},
		),
		transactionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_rejected_total",
				Help: "Total number of transactions rejected by stage and reason",
			},
			[]string{"stage", "reason"},
		),
		throughput: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_throughput_tps",
				Help: "Applied transactions per second since the recorder started",
			},
		),

		// Dispatch Metrics
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_duration_seconds",
				Help:    "Duration of echo endpoint round trips in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"status"},
		),
		dispatchBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_batch_size",
				Help:    "Number of transactions sent per dispatch",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
		),
		dispatchRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_retries_total",
				Help: "Total number of dispatch retry attempts",
			},
			[]string{"kind"},
		),

		// Workflow Metrics
		runWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "run_workflow_duration_seconds",
				Help:    "Duration of pipeline run workflow executions in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		),
		runActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "run_activity_duration_seconds",
				Help:    "Duration of pipeline run activities in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"activity"},
		),
		runWorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "run_workflow_executions_total",
				Help: "Total number of pipeline run workflow executions",
			},
			[]string{"status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"address"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"address", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Pipeline metric helpers

// RecordCycle records a finished pipeline cycle.
func (m *Metrics) RecordCycle(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordGenerated records transactions produced by the generator.
func (m *Metrics) RecordGenerated(count int) {
	if m == nil {
		return
	}
	m.transactionsGenerated.Add(float64(count))
}

// RecordApplied records transactions applied to the ledger.
func (m *Metrics) RecordApplied(count int) {
	if m == nil {
		return
	}
	m.transactionsApplied.Add(float64(count))
}

// RecordRejected records a rejected transaction.
func (m *Metrics) RecordRejected(stage, reason string) {
	if m == nil {
		return
	}
	m.transactionsRejected.WithLabelValues(stage, reason).Inc()
}

// RecordThroughput sets the current throughput gauge.
func (m *Metrics) RecordThroughput(tps float64) {
	if m == nil {
		return
	}
	m.throughput.Set(tps)
}

// Dispatch metric helpers

// RecordDispatch records one round trip to the echo endpoint.
func (m *Metrics) RecordDispatch(status string, batchSize int, duration float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(status).Observe(duration)
	m.dispatchBatchSize.Observe(float64(batchSize))
}

// RecordDispatchRetry records a retry after a transport failure.
func (m *Metrics) RecordDispatchRetry(kind string) {
	if m == nil {
		return
	}
	m.dispatchRetries.WithLabelValues(kind).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	if m == nil {
		return
	}
	m.runWorkflowDuration.WithLabelValues(status).Observe(duration)
	m.runWorkflowsTotal.WithLabelValues(status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	if m == nil {
		return
	}
	m.runActivityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(address string, delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.WithLabelValues(address).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(address, eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(address, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
