package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the control plane.
// A disabled instance has nil collectors and every Record method is a no-op.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsRequested *prometheus.CounterVec
	deploymentsFinished  *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	deploymentsRejected  *prometheus.CounterVec
	activeDeployments    prometheus.Gauge

	// Driver metrics
	driverCalls     *prometheus.CounterVec
	driverDuration  *prometheus.HistogramVec
	driverErrors    *prometheus.CounterVec
	driverRetries   *prometheus.CounterVec
	driverPoolQueue prometheus.Gauge

	// Certificate metrics
	dnsPolls       *prometheus.CounterVec
	dnsTimeouts    prometheus.Counter
	activePollers  prometheus.Gauge

	// Log streaming metrics
	logLines       *prometheus.CounterVec
	logViewers     prometheus.Gauge
	droppedViewers prometheus.Counter

	// Lease metrics
	leaseOperations *prometheus.CounterVec

	// Error and admission metrics
	errorsByClass  *prometheus.CounterVec
	errorsByCode   *prometheus.CounterVec
	policyDenials  *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsRequested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_requested_total",
				Help:      "Total number of accepted deployment requests",
			},
			[]string{"driver", "trigger"},
		),
		deploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_finished_total",
				Help:      "Total number of deployments that reached a terminal status",
			},
			[]string{"status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Time from queued to terminal status",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		deploymentsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_rejected_total",
				Help:      "Total number of rejected deployment requests",
			},
			[]string{"reason"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Deployments currently running their pipeline in this process",
			},
		),

		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of driver calls",
			},
			[]string{"driver", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"driver", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of failed driver calls",
			},
			[]string{"driver", "operation", "code"},
		),
		driverRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_retries_total",
				Help:      "Total number of retried driver calls",
			},
			[]string{"operation"},
		),
		driverPoolQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "driver_pool_queued",
				Help:      "Driver calls waiting for a worker",
			},
		),

		dnsPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dns_polls_total",
				Help:      "Total number of DNS configuration checks",
			},
			[]string{"result"},
		),
		dnsTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dns_verification_timeouts_total",
				Help:      "Certificates whose DNS verification horizon expired",
			},
		),
		activePollers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dns_active_pollers",
				Help:      "Certificates with a scheduled DNS poll",
			},
		),

		logLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_lines_total",
				Help:      "Log lines forwarded from driver streams",
			},
			[]string{"scope"},
		),
		logViewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "log_viewers",
				Help:      "Connected log viewers",
			},
		),
		droppedViewers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_viewers_dropped_total",
				Help:      "Log viewers dropped because their buffer was full",
			},
		),

		leaseOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_operations_total",
				Help:      "Lease operations by kind and result",
			},
			[]string{"operation", "result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Requests rejected by admission policies",
			},
			[]string{"kind"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Received webhook events by type and result",
			},
			[]string{"event", "result"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served by the API",
			},
			[]string{"method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
	}

	registry.MustRegister(
		m.deploymentsRequested,
		m.deploymentsFinished,
		m.deploymentDuration,
		m.deploymentsRejected,
		m.activeDeployments,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.driverRetries,
		m.driverPoolQueue,
		m.dnsPolls,
		m.dnsTimeouts,
		m.activePollers,
		m.logLines,
		m.logViewers,
		m.droppedViewers,
		m.leaseOperations,
		m.errorsByClass,
		m.errorsByCode,
		m.policyDenials,
		m.webhookEvents,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

// NewNopMetrics returns a disabled metrics collector.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Deployment Metrics

// RecordDeploymentRequested counts an accepted deployment request.
func (m *Metrics) RecordDeploymentRequested(driver, trigger string) {
	if m == nil || m.deploymentsRequested == nil {
		return
	}
	m.deploymentsRequested.WithLabelValues(driver, trigger).Inc()
}

// RecordDeploymentFinished records a deployment reaching a terminal status.
func (m *Metrics) RecordDeploymentFinished(status string, duration time.Duration) {
	if m == nil || m.deploymentsFinished == nil {
		return
	}
	m.deploymentsFinished.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// AddActiveDeployments adjusts the number of pipelines running in this process.
func (m *Metrics) AddActiveDeployments(delta float64) {
	if m == nil || m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Add(delta)
}

// RecordDeploymentRejected counts a rejected deployment request.
func (m *Metrics) RecordDeploymentRejected(reason string) {
	if m == nil || m.deploymentsRejected == nil {
		return
	}
	m.deploymentsRejected.WithLabelValues(reason).Inc()
}

// Driver Metrics

// RecordDriverCall records a driver call with its duration.
func (m *Metrics) RecordDriverCall(driver, operation string, duration time.Duration) {
	if m == nil || m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(driver, operation).Inc()
	m.driverDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
}

// RecordDriverError records a failed driver call.
func (m *Metrics) RecordDriverError(driver, operation, code string) {
	if m == nil || m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(driver, operation, code).Inc()
}

// RecordRetry counts a retried operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil || m.driverRetries == nil {
		return
	}
	m.driverRetries.WithLabelValues(operation).Inc()
}

// AddDriverPoolQueued adjusts the number of queued driver calls.
func (m *Metrics) AddDriverPoolQueued(delta float64) {
	if m == nil || m.driverPoolQueue == nil {
		return
	}
	m.driverPoolQueue.Add(delta)
}

// Certificate Metrics

// RecordDNSPoll records the outcome of one DNS check.
func (m *Metrics) RecordDNSPoll(result string) {
	if m == nil || m.dnsPolls == nil {
		return
	}
	m.dnsPolls.WithLabelValues(result).Inc()
}

// RecordDNSTimeout counts an expired polling horizon.
func (m *Metrics) RecordDNSTimeout() {
	if m == nil || m.dnsTimeouts == nil {
		return
	}
	m.dnsTimeouts.Inc()
}

// AddActivePollers adjusts the number of scheduled DNS pollers.
func (m *Metrics) AddActivePollers(delta float64) {
	if m == nil || m.activePollers == nil {
		return
	}
	m.activePollers.Add(delta)
}

// Log Metrics

// RecordLogLine counts a forwarded log line.
func (m *Metrics) RecordLogLine(scope string) {
	if m == nil || m.logLines == nil {
		return
	}
	m.logLines.WithLabelValues(scope).Inc()
}

// AddLogViewers adjusts the number of connected viewers.
func (m *Metrics) AddLogViewers(delta float64) {
	if m == nil || m.logViewers == nil {
		return
	}
	m.logViewers.Add(delta)
}

// RecordViewerDropped counts a viewer dropped for backpressure.
func (m *Metrics) RecordViewerDropped() {
	if m == nil || m.droppedViewers == nil {
		return
	}
	m.droppedViewers.Inc()
}

// Lease Metrics

// RecordLeaseOperation records a lease operation outcome.
func (m *Metrics) RecordLeaseOperation(operation, result string) {
	if m == nil || m.leaseOperations == nil {
		return
	}
	m.leaseOperations.WithLabelValues(operation, result).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyDenial counts a request rejected by admission.
func (m *Metrics) RecordPolicyDenial(kind string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(kind).Inc()
}

// RecordWebhookEvent counts a received webhook.
func (m *Metrics) RecordWebhookEvent(event, result string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, result).Inc()
}

// HTTP Metrics

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, status string, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, status).Inc()
	m.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns a dedicated metrics server, or nil when metrics are
// disabled or no listen address is configured.
func (m *Metrics) NewMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
