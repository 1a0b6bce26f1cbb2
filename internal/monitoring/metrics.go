package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the notification delivery subsystem.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_connections_total",
		Help: "Total number of real-time connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_connections_active",
		Help: "Current number of open real-time connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Delivery metrics
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_deliveries_total",
		Help: "Total number of messages delivered to open connections",
	})

	DeliveriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_deliveries_skipped_total",
		Help: "Total sends skipped because the target connection was not open",
	})

	// Queue metrics
	NotificationsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_enqueued_total",
		Help: "Total notifications accepted into the pending queue",
	})

	NotificationsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_filtered_total",
		Help: "Total notifications dropped by user preference",
	})

	FlushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_flush_batches_total",
		Help: "Total flush batches written to the store",
	})

	FlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_flush_failures_total",
		Help: "Total flush batch writes that failed and were requeued",
	})

	NotificationsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_dead_lettered_total",
		Help: "Total notifications dropped after exhausting flush retries",
	})

	// Admission metrics
	RateLimitedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_rate_limited_requests_total",
		Help: "Total requests refused by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		DisconnectsTotal,
		DeliveriesTotal,
		DeliveriesSkipped,
		NotificationsEnqueued,
		NotificationsFiltered,
		FlushBatches,
		FlushFailures,
		NotificationsDeadLettered,
		RateLimitedRequests,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
