// Package metrics provides Prometheus instrumentation for the payment engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payengine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts order state-machine transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "order_transitions_total",
			Help:      "Total order status transitions by target status.",
		},
		[]string{"to"},
	)

	// ConfirmationEventsTotal counts confirmation events by result.
	// Results: applied, duplicate, rejected, reorg, not_found.
	ConfirmationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "confirmation_events_total",
			Help:      "Total payment confirmation events by apply result.",
		},
		[]string{"result"},
	)

	// PaymentStatusTotal counts payment destinations entering each status.
	PaymentStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "payment_status_total",
			Help:      "Total payment destination status changes by status.",
		},
		[]string{"status"},
	)

	// EscrowOpsTotal counts escrow operations by outcome.
	// Outcomes: held, released, refunded, split, disputed, auto_released, noop.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "escrow_ops_total",
			Help:      "Total escrow operations by outcome.",
		},
		[]string{"outcome"},
	)

	// CredentialRevealsTotal counts reveal attempts by result.
	CredentialRevealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "credential_reveals_total",
			Help:      "Total credential reveal attempts by result.",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts outbound notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "notifications_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// SweepActionsTotal counts scheduler sweep actions by kind.
	// Kinds: payment_expired, auto_release, auto_complete.
	SweepActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payengine",
			Name:      "sweep_actions_total",
			Help:      "Total scheduler sweep actions by kind.",
		},
		[]string{"kind"},
	)

	// EscrowSettlementDuration observes time from hold to settlement.
	EscrowSettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payengine",
		Name:      "escrow_settlement_duration_seconds",
		Help:      "Time from escrow hold to release/refund in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		ConfirmationEventsTotal,
		PaymentStatusTotal,
		EscrowOpsTotal,
		CredentialRevealsTotal,
		NotificationsTotal,
		SweepActionsTotal,
		EscrowSettlementDuration,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
