// Package metrics provides Prometheus instrumentation for the Meridian deal core.
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
			Namespace: "meridian",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meridian",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Offer metrics ---

	OffersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "offers_created_total",
		Help:      "Total offers created.",
	})

	OffersResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "offers_resolved_total",
			Help:      "Total offers resolved by outcome (accepted, rejected, withdrawn, expired).",
		},
		[]string{"outcome"},
	)

	// OfferResponseSeconds observes time from offer creation to resolution.
	OfferResponseSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meridian",
		Name:      "offer_response_seconds",
		Help:      "Time from offer creation to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 172800, 345600},
	})

	// --- Payment metrics ---

	CapturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "captures_total",
			Help:      "Total payment captures by rail and outcome.",
		},
		[]string{"rail", "outcome"},
	)

	ConsistencyWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "consistency_warnings_total",
		Help:      "Total ledger consistency warnings queued for manual reconciliation.",
	})

	// --- Order metrics ---

	OrdersCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "orders_completed_total",
		Help:      "Total orders completed (delivery approved, funds released).",
	})

	OrdersCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "orders_cancelled_total",
			Help:      "Total orders cancelled by path (mutual, auto, rejected_offer).",
		},
		[]string{"path"},
	)

	// --- Dispute metrics ---

	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	DisputesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "disputes_closed_total",
			Help:      "Total disputes closed by path (settlement, admin, auto).",
		},
		[]string{"path"},
	)

	ArbitrationFeesPaidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "arbitration_fees_paid_total",
		Help:      "Total arbitration fee payments recorded.",
	})

	// --- Scheduler metrics ---

	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "sweep_runs_total",
			Help:      "Total scheduler sweep runs by task.",
		},
		[]string{"task"},
	)

	SweepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "sweep_failures_total",
			Help:      "Total per-entity failures inside scheduler sweeps by task.",
		},
		[]string{"task"},
	)

	RemindersSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "reminders_sent_total",
			Help:      "Total one-shot reminders sent by kind.",
		},
		[]string{"kind"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OffersCreatedTotal,
		OffersResolvedTotal,
		OfferResponseSeconds,
		CapturesTotal,
		ConsistencyWarningsTotal,
		OrdersCompletedTotal,
		OrdersCancelledTotal,
		DisputesOpenedTotal,
		DisputesClosedTotal,
		ArbitrationFeesPaidTotal,
		SweepRunsTotal,
		SweepFailuresTotal,
		RemindersSentTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
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
			DBInUseConnections.Set(float64(stats.InUse))
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
