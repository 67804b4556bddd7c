package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exercised across query handling,
// the dispatcher, and the rate limiter.
type Metrics struct {
	QueriesAdmitted  *prometheus.CounterVec
	QueriesRejected  *prometheus.CounterVec
	DispatcherLoops  prometheus.Histogram
	ToolInvocations  *prometheus.CounterVec
	RateLimitBlocked *prometheus.CounterVec
	QueryLatency     prometheus.Histogram
}

// NewMetrics registers all collectors against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		QueriesAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asystent",
			Name:      "queries_admitted_total",
			Help:      "Queries admitted past entitlement checks.",
		}, []string{"tier"}),
		QueriesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asystent",
			Name:      "queries_rejected_total",
			Help:      "Queries rejected, by reason.",
		}, []string{"reason"}),
		DispatcherLoops: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "asystent",
			Name:      "dispatcher_iterations",
			Help:      "Number of dispatcher loop iterations per query.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asystent",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by function name and outcome.",
		}, []string{"function", "outcome"}),
		RateLimitBlocked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asystent",
			Name:      "rate_limit_blocked_total",
			Help:      "Requests rejected by the rate limiter, by kind.",
		}, []string{"kind"}),
		QueryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "asystent",
			Name:      "query_latency_seconds",
			Help:      "End-to-end handle_query latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler exposes the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
