package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driver_dispatch"

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of matches"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})

	LocationUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_upserts_total", Help: "Driver location upserts by result"},
		[]string{"result"},
	)
	DriversOffline = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "drivers_offline_total", Help: "Offline transitions by result"},
		[]string{"result"},
	)
	NearbyQueries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "nearby_queries_total", Help: "Nearby-driver queries served"})
	NearbyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "nearby_query_duration_seconds",
		Help:      "Nearby-driver query latency",
		Buckets:   prometheus.DefBuckets,
	})
	NearbyCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "nearby_query_candidates",
		Help:      "Online drivers returned per nearby query",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	AcquisitionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_acquisitions_total", Help: "Location acquisition attempts by tier and result"},
		[]string{"tier", "result"},
	)
	TrackingSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions", Help: "Continuous tracking loops currently running"})

	OffersOpen     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "offers_open", Help: "Ride offers awaiting a response"})
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Ride offers by final state"},
		[]string{"state"},
	)

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip status changes by target status"},
		[]string{"status"},
	)
	DriverEarnings = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_earnings_total", Help: "Driver share of completed trip fares"})

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
	HTTPPanics = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "http_panics_total", Help: "Handler panics recovered"})
)
