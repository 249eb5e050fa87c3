package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// The struct is passed explicitly to every component that records metrics.
type Metrics struct {
	// Ingest Metrics
	recordsIngestedTotal *prometheus.CounterVec
	recordsRejectedTotal *prometheus.CounterVec

	// Pipeline Metrics
	walletsAggregatedTotal prometheus.Counter
	stageDuration          *prometheus.HistogramVec
	runsTotal              *prometheus.CounterVec
	creditScores           prometheus.Histogram
	clusterSize            *prometheus.GaugeVec

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestBytes    *prometheus.HistogramVec

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
		recordsIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_ingested_total",
				Help: "Total number of raw transaction records ingested by outcome",
			},
			[]string{"status"},
		),
		recordsRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_rejected_total",
				Help: "Total number of malformed transaction records by reason",
			},
			[]string{"reason"},
		),

		walletsAggregatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wallets_aggregated_total",
				Help: "Total number of wallet feature vectors computed",
			},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of scoring pipeline stages in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "score_runs_total",
				Help: "Total number of scoring runs by status",
			},
			[]string{"status"},
		),
		creditScores: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_score",
				Help:    "Distribution of computed wallet credit scores",
				Buckets: prometheus.LinearBuckets(100, 100, 10),
			},
		),
		clusterSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "score_cluster_size",
				Help: "Number of wallets assigned to each cluster in the latest run",
			},
			[]string{"cluster"},
		),

		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "score_activity_duration_seconds",
				Help:    "Duration of score run activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"activity", "status"},
		),

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

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10},
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
		httpRequestBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_body_bytes",
				Help:    "Bytes read from HTTP request bodies",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"handler"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"status"},
		),
	}
}

// Ingest metric helpers

// RecordRecordsIngested records how many raw records were accepted and rejected.
func (m *Metrics) RecordRecordsIngested(accepted, rejected int) {
	m.recordsIngestedTotal.WithLabelValues("accepted").Add(float64(accepted))
	m.recordsIngestedTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordRejections records rejected records keyed by reason.
func (m *Metrics) RecordRejections(byReason map[string]int) {
	for reason, n := range byReason {
		m.recordsRejectedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// Pipeline metric helpers

// RecordWalletsAggregated records the number of feature vectors computed.
func (m *Metrics) RecordWalletsAggregated(count int) {
	m.walletsAggregatedTotal.Add(float64(count))
}

// RecordStageDuration records the duration of a pipeline stage.
func (m *Metrics) RecordStageDuration(stage string, duration float64) {
	m.stageDuration.WithLabelValues(stage).Observe(duration)
}

// RecordRun records a completed or failed scoring run.
func (m *Metrics) RecordRun(err error) {
	m.runsTotal.WithLabelValues(statusOf(err)).Inc()
}

// RecordScores observes each credit score in the histogram.
func (m *Metrics) RecordScores(scores []float64) {
	for _, s := range scores {
		m.creditScores.Observe(s)
	}
}

// RecordClusterSizes sets the cluster size gauge for the latest run.
func (m *Metrics) RecordClusterSizes(sizes []int) {
	m.clusterSize.Reset()
	for c, n := range sizes {
		m.clusterSize.WithLabelValues(strconv.Itoa(c)).Set(float64(n))
	}
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, err error, duration float64) {
	m.activityDuration.WithLabelValues(activity, statusOf(err)).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, statusOf(err)).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordHTTPRequestBytes records how much of a request body a handler consumed.
func (m *Metrics) RecordHTTPRequestBytes(handler string, n int64) {
	m.httpRequestBytes.WithLabelValues(handler).Observe(float64(n))
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation. Subjects are per wallet,
// so only the outcome is used as a label.
func (m *Metrics) RecordNATSPublish(err error, duration float64) {
	status := statusOf(err)
	m.natsMessagesPublished.WithLabelValues(status).Inc()
	m.natsPublishDuration.WithLabelValues(status).Observe(duration)
}

// Helper functions

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
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
