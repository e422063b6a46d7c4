// Package admin exposes operational surfaces next to the gemini listener:
// Prometheus metrics, HTTP health probes and the gRPC health service.
package admin

import (
	"time"

	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/proxy"
	"rocketcaster/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks forum-wide metrics
type Metrics struct {
	// Request metrics
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ResponseBytes   prometheus.Counter
	RateLimited     prometheus.Counter

	// Proxy metrics
	Transfers        prometheus.Counter
	TransferFailures *prometheus.CounterVec
	TransferredBytes prometheus.Counter
	ActiveTransfers  prometheus.Gauge

	// Community metrics
	Registrations        prometheus.Counter
	Notifications        prometheus.Counter
	Entities             *prometheus.GaugeVec

	// Health metrics
	ComponentUp     *prometheus.GaugeVec
	LastHealthCheck prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rocketcaster_requests_total",
			Help: "Gemini requests by response status",
		}, []string{"status"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rocketcaster_request_duration_seconds",
			Help:    "Time from reading a request to closing the connection",
			Buckets: prometheus.DefBuckets,
		}),
		ResponseBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "rocketcaster_response_bytes_total",
			Help: "Response body bytes written to clients",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "rocketcaster_rate_limited_total",
			Help: "Requests refused by the rate limiter",
		}),

		Transfers: factory.NewCounter(prometheus.CounterOpts{
			Name: "rocketcaster_proxy_transfers_total",
			Help: "Episode transfers started",
		}),
		TransferFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rocketcaster_proxy_failures_total",
			Help: "Episode transfers that failed, by reason",
		}, []string{"reason"}),
		TransferredBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "rocketcaster_proxy_bytes_total",
			Help: "Bytes streamed from podcast hosts",
		}),
		ActiveTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rocketcaster_proxy_active_transfers",
			Help: "Transfers currently running",
		}),

		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "rocketcaster_registrations_total",
			Help: "Identities registered",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "rocketcaster_notifications_created_total",
			Help: "Notifications created by mentions and comments",
		}),
		Entities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rocketcaster_entities",
			Help: "Stored rows by kind, sampled by the health monitor",
		}, []string{"kind"}),

		ComponentUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rocketcaster_component_up",
			Help: "1 when the last health check of a component passed",
		}, []string{"component"}),
		LastHealthCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rocketcaster_last_health_check_timestamp",
			Help: "Timestamp of last health check",
		}),
	}
}

// ObserveResponse matches gemini.ResponseObserver.
func (m *Metrics) ObserveResponse(r *gemini.Request, status gemini.Status, bytes int64, elapsed time.Duration) {
	m.Requests.WithLabelValues(status.Label()).Inc()
	m.RequestDuration.Observe(elapsed.Seconds())
	m.ResponseBytes.Add(float64(bytes))
}

func (m *Metrics) NotificationsCreated(n int) {
	if n > 0 {
		m.Notifications.Add(float64(n))
	}
}

func (m *Metrics) IdentityRegistered() {
	m.Registrations.Inc()
}

func (m *Metrics) RequestRateLimited() {
	m.RateLimited.Inc()
}

// ProxyHooks returns streamer hooks feeding the proxy metrics.
func (m *Metrics) ProxyHooks() proxy.Hooks {
	return proxy.Hooks{
		Started: func() {
			m.Transfers.Inc()
			m.ActiveTransfers.Inc()
		},
		Failed: func(reason string) {
			m.TransferFailures.WithLabelValues(reason).Inc()
		},
		Streamed: func(bytes int64) {
			m.TransferredBytes.Add(float64(bytes))
		},
		Finished: func() {
			m.ActiveTransfers.Dec()
		},
	}
}

func (m *Metrics) recordStats(stats *types.Stats) {
	m.Entities.WithLabelValues("identities").Set(float64(stats.Identities))
	m.Entities.WithLabelValues("credentials").Set(float64(stats.Credentials))
	m.Entities.WithLabelValues("posts").Set(float64(stats.Posts))
	m.Entities.WithLabelValues("comments").Set(float64(stats.Comments))
	m.Entities.WithLabelValues("notifications").Set(float64(stats.Notifications))
}
