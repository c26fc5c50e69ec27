// Package metrics provides Prometheus instrumentation for the LeadFlow platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leadflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CreditChecksTotal counts credit availability checks by outcome.
	CreditChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "credit_checks_total",
			Help:      "Total credit availability checks by outcome (allowed, denied, byok).",
		},
		[]string{"outcome"},
	)

	// CreditsDeductedTotal counts AI credits deducted from tenant balances.
	CreditsDeductedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadflow",
		Name:      "credits_deducted_total",
		Help:      "Total AI credits deducted across all tenants.",
	})

	// QuotaChecksTotal counts operation limit checks by operation and outcome.
	QuotaChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "quota_checks_total",
			Help:      "Total operation limit checks by operation and outcome (allowed, denied, overage).",
		},
		[]string{"operation", "outcome"},
	)

	// UsageRecordedTotal counts recorded AI operations by type.
	UsageRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "usage_recorded_total",
			Help:      "Total AI operations recorded by operation type.",
		},
		[]string{"operation"},
	)

	// OverageEventsTotal counts overage lifecycle events by kind.
	OverageEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "overage_events_total",
			Help:      "Total overage lifecycle events (recorded, invoiced, paid, waived).",
		},
		[]string{"event"},
	)

	// OverageChargeUSD observes per-month overage charge amounts in USD.
	OverageChargeUSD = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "leadflow",
		Name:      "overage_charge_usd",
		Help:      "Overage charge amounts at invoicing time in USD.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leadflow",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RateLimitedTotal counts requests rejected by the per-tenant rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadflow",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the tenant rate limiter.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadflow", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadflow", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadflow", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadflow", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadflow", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadflow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CreditChecksTotal,
		CreditsDeductedTotal,
		QuotaChecksTotal,
		UsageRecordedTotal,
		OverageEventsTotal,
		OverageChargeUSD,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// RecordCreditCheck records the outcome of a credit availability check.
func RecordCreditCheck(outcome string) {
	CreditChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordCreditsDeducted adds to the deducted credits counter.
func RecordCreditsDeducted(n int64) {
	CreditsDeductedTotal.Add(float64(n))
}

// RecordQuotaCheck records the outcome of an operation limit check.
func RecordQuotaCheck(operation, outcome string) {
	QuotaChecksTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordUsage records a completed AI operation.
func RecordUsage(operation string) {
	UsageRecordedTotal.WithLabelValues(operation).Inc()
}

// RecordOverageEvent records an overage lifecycle event.
func RecordOverageEvent(event string) {
	OverageEventsTotal.WithLabelValues(event).Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
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
