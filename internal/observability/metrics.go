package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchesTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of successful driver reservations"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Latency of a single match attempt"})
	MatchAttempts        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_attempts_total", Help: "Total match attempts including retries"})
	NoDriverTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_driver_total", Help: "Match attempts that exhausted every radius"})
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservation_conflicts_total", Help: "Reservations lost to a concurrent match"})

	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	StaleLocations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_locations_total", Help: "Location updates dropped as out of order"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Accepted ride state transitions"},
		[]string{"to"},
	)
	RidesExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_expired_total", Help: "Rides cancelled with no_driver_found"})

	ConsumedMessages = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_consumed_total", Help: "Driver location messages consumed"})
	InvalidMessages  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_invalid_total", Help: "Invalid messages received"})
	SinkErrors       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "consumer_sink_errors_total", Help: "Consumed samples that could not be applied"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open realtime connections"})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fanout_dropped_total", Help: "Connections dropped for falling behind"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
