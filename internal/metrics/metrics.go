// Package metrics provides Prometheus instrumentation for webhookd: HTTP
// request counters, delivery outcome counters, circuit breaker trips, and a
// database connection pool sampler.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webhookd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webhookd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DeliveryAttemptsTotal counts delivery attempts by outcome: ok,
	// tripped_open (failed, breaker still Open), tripped_closed (failed,
	// breaker just tripped Closed), rejected (breaker already Closed).
	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webhookd",
			Name:      "delivery_attempts_total",
			Help:      "Total delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DeliveryResponseTime observes the wall-clock time of one HTTP POST to
	// a destination endpoint.
	DeliveryResponseTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "webhookd",
			Name:      "delivery_response_time_seconds",
			Help:      "Delivery request/response wall-clock time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BreakerTripsTotal counts breaker trips (Open -> Closed transitions)
	// summed across all endpoints; it carries no endpoint label.
	BreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webhookd",
			Name:      "breaker_trips_total",
			Help:      "Total number of circuit breaker trips across all endpoints.",
		},
	)

	// RetriesScheduledTotal counts delayed redeliveries published by the
	// dispatch consumer.
	RetriesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webhookd",
			Name:      "retries_scheduled_total",
			Help:      "Total delayed retries scheduled by the dispatch consumer.",
		},
	)

	// PoisonTasksTotal counts dispatch tasks dropped because they
	// referenced a missing entity.
	PoisonTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webhookd",
			Name:      "poison_tasks_total",
			Help:      "Total consumer tasks dropped as poison (missing referenced entity).",
		},
	)

	// EventsIngestedTotal counts events accepted by the ingestion path.
	EventsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "webhookd",
			Name:      "events_ingested_total",
			Help:      "Total events accepted by the ingestion path.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhookd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhookd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "webhookd", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DeliveryAttemptsTotal,
		DeliveryResponseTime,
		BreakerTripsTotal,
		RetriesScheduledTotal,
		PoisonTasksTotal,
		EventsIngestedTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBIdleConnections,
	)
}

// Handler returns the promhttp handler to mount at /v1/metrics.
func Handler() http.Handler { return promhttp.Handler() }

// StartDBStatsCollector periodically samples sql.DBStats into the DB*
// gauges above. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
		}
	}
}
