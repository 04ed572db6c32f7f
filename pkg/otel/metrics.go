package otel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	CatalogSize       *prometheus.HistogramVec
	OAuthFlows        *prometheus.CounterVec
}

// NewMetrics registers the gateway instruments on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_executions_total",
			Help: "Tool executions by backend and outcome.",
		}, []string{"provenance", "outcome"}),
		ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_execution_duration_seconds",
			Help:    "Tool execution latency by backend.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provenance"}),
		CatalogSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_catalog_tools",
			Help:    "Number of tools returned per catalog build.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{}),
		OAuthFlows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_oauth_flows_total",
			Help: "OAuth flow events by stage.",
		}, []string{"stage"}),
	}
}
