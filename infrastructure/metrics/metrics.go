// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultwright/secretcore/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Vault business metrics
	DecryptionsTotal  *prometheus.CounterVec
	DecryptionLatency *prometheus.HistogramVec
	TokensIssuedTotal *prometheus.CounterVec
	TokenValidations  *prometheus.CounterVec
	RotationsTotal    *prometheus.CounterVec
	RotationLatency   *prometheus.HistogramVec
	ActiveVersions    prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
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
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Vault business metrics
		DecryptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_decryptions_total",
				Help: "Total number of secret decryptions performed by the access broker",
			},
			[]string{"service", "project", "outcome"},
		),
		DecryptionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_decryption_duration_seconds",
				Help:    "Decryption latency as observed by the access broker caller that performed the decryption",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"service", "project"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_tokens_issued_total",
				Help: "Total number of scoped bearer tokens issued",
			},
			[]string{"service", "principal"},
		),
		TokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_token_validations_total",
				Help: "Total number of bearer token validations",
			},
			[]string{"service", "outcome"},
		),
		RotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_rotations_total",
				Help: "Total number of rotation attempts by the rotation engine",
			},
			[]string{"service", "generator", "outcome"},
		),
		RotationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_rotation_duration_seconds",
				Help:    "Rotation attempt duration, including generator round-trip",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"service", "generator"},
		),
		ActiveVersions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vault_active_secret_versions",
				Help: "Current number of secrets with an active version across all projects",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.DecryptionsTotal,
			m.DecryptionLatency,
			m.TokensIssuedTotal,
			m.TokenValidations,
			m.RotationsTotal,
			m.RotationLatency,
			m.ActiveVersions,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordDecryption records one broker-path decryption.
func (m *Metrics) RecordDecryption(service, project, outcome string, duration time.Duration) {
	m.DecryptionsTotal.WithLabelValues(service, project, outcome).Inc()
	m.DecryptionLatency.WithLabelValues(service, project).Observe(duration.Seconds())
}

// RecordTokenIssued records one token issuance.
func (m *Metrics) RecordTokenIssued(service, principal string) {
	m.TokensIssuedTotal.WithLabelValues(service, principal).Inc()
}

// RecordTokenValidation records one token validation outcome.
func (m *Metrics) RecordTokenValidation(service, outcome string) {
	m.TokenValidations.WithLabelValues(service, outcome).Inc()
}

// RecordRotation records one rotation attempt.
func (m *Metrics) RecordRotation(service, generator, outcome string, duration time.Duration) {
	m.RotationsTotal.WithLabelValues(service, generator, outcome).Inc()
	m.RotationLatency.WithLabelValues(service, generator).Observe(duration.Seconds())
}

// SetActiveVersions sets the current count of secrets with an active
// version, sampled periodically from the vault store.
func (m *Metrics) SetActiveVersions(count int) {
	m.ActiveVersions.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
