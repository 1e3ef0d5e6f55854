// Package metrics exposes the proxy's Prometheus counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credpool_http_requests_total",
			Help: "Total number of HTTP requests handled by the server",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credpool_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credpool_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	IPBansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credpool_ip_bans_total",
			Help: "Total number of IPs banned for exceeding the hourly request ceiling",
		},
	)

	CredentialRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credpool_credential_rotations_total",
			Help: "Total number of times the dispatcher discarded a credential and retried",
		},
		[]string{"model"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credpool_upstream_requests_total",
			Help: "Total number of upstream requests by status class",
		},
		[]string{"model", "status_class"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credpool_upstream_request_duration_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credpool_probe_results_total",
			Help: "Total number of health-prober results by status class",
		},
		[]string{"model", "status_class"},
	)

	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credpool_admission_rejections_total",
			Help: "Total number of requests rejected by the admission controller",
		},
		[]string{"model", "reason"},
	)

	// CredentialHealthyGauge mirrors the aggregator's per-model healthy count
	// so operators can graph the same numbers the status writer renders to disk.
	CredentialHealthyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credpool_credentials_healthy",
			Help: "Number of healthy credentials per model",
		},
		[]string{"model"},
	)

	CredentialUnhealthyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credpool_credentials_unhealthy",
			Help: "Number of unhealthy credentials per model",
		},
		[]string{"model"},
	)
)
