// Package metrics registers the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. All methods are safe
// on a nil receiver so tests can run without a registry.
type Metrics struct {
	SubscribeRequests prometheus.Counter
	TokensIssued      prometheus.Counter
	Confirmations     prometheus.Counter
	InvalidTokens     prometheus.Counter
	RecordsScrubbed   prometheus.Counter
	ScrubFailures     prometheus.Counter
	LastScrubSize     prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		SubscribeRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optin_subscribe_requests_total",
			Help: "Total number of subscribe requests accepted",
		}),
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optin_tokens_issued_total",
			Help: "Total number of confirmation tokens issued",
		}),
		Confirmations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optin_confirmations_total",
			Help: "Total number of subscriptions promoted to confirmed",
		}),
		InvalidTokens: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optin_invalid_tokens_total",
			Help: "Total number of confirm attempts rejected as invalid or stale",
		}),
		RecordsScrubbed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optin_records_scrubbed_total",
			Help: "Total number of expired pending records deleted by the scrub job",
		}),
		ScrubFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optin_scrub_failures_total",
			Help: "Total number of per-record scrub deletion failures",
		}),
		LastScrubSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optin_last_scrub_deleted",
			Help: "Records deleted by the most recent scrub pass",
		}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optin_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) IncSubscribeRequests() {
	if m != nil {
		m.SubscribeRequests.Inc()
	}
}

func (m *Metrics) IncTokensIssued() {
	if m != nil {
		m.TokensIssued.Inc()
	}
}

func (m *Metrics) IncConfirmations() {
	if m != nil {
		m.Confirmations.Inc()
	}
}

func (m *Metrics) IncInvalidTokens() {
	if m != nil {
		m.InvalidTokens.Inc()
	}
}

func (m *Metrics) AddRecordsScrubbed(n int) {
	if m != nil {
		m.RecordsScrubbed.Add(float64(n))
	}
}

func (m *Metrics) IncScrubFailures() {
	if m != nil {
		m.ScrubFailures.Inc()
	}
}

func (m *Metrics) SetLastScrubSize(n int) {
	if m != nil {
		m.LastScrubSize.Set(float64(n))
	}
}

func (m *Metrics) ObserveRequest(route string, seconds float64) {
	if m != nil {
		m.RequestDuration.WithLabelValues(route).Observe(seconds)
	}
}
