package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutesGenerated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "school_run", Name: "routes_generated_total", Help: "Total number of route plans committed"})
	RouteFailures   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "school_run", Name: "route_failures_total", Help: "Route generation failures by reason"}, []string{"reason"})
	RouteLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "school_run", Name: "route_generation_seconds", Help: "Route generation latency seconds"})
	UnroutedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "school_run", Name: "passengers_unrouted_total", Help: "Passengers left out of a route because their address did not resolve"})
	RouteRefreshes  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "school_run", Name: "route_refreshes_total", Help: "Background route geometry refreshes by result"}, []string{"result"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "school_run", Name: "passenger_transitions_total", Help: "Passenger state transitions by target state"}, []string{"state"})
	TripsEnded  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "school_run", Name: "trips_ended_total", Help: "Ended trips by result"}, []string{"result"})

	AlertsCreated       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "school_run", Name: "alerts_created_total", Help: "Alerts stored by type"}, []string{"type"})
	PopupsShown         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "school_run", Name: "popups_shown_total", Help: "Pop-ups surfaced to client sessions"})
	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "school_run", Name: "alert_duplicate_deliveries_total", Help: "Alert deliveries dropped by the session merge stage"})
	AlertSessions       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "school_run", Name: "alert_sessions", Help: "Number of open alert sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "school_run", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "school_run",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
