package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_protocol", Name: "events_observed_total", Help: "Events fed to the engine, by correlation outcome"},
		[]string{"outcome"},
	)
	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_protocol", Name: "events_discarded_total", Help: "Events dropped before correlation, by cause"},
		[]string{"cause"},
	)
	TransitionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_protocol", Name: "transitions_rejected_total", Help: "Events that correlated but failed a state-machine check"},
	)
	SessionsByStage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_protocol", Name: "sessions", Help: "Known sessions by current stage"},
		[]string{"stage"},
	)
	OrphansBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "ride_protocol", Name: "orphans_buffered", Help: "Events parked awaiting their parent"},
	)

	RelayPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_protocol", Name: "relay_publishes_total", Help: "Events published to relays, by result"},
		[]string{"result"},
	)
	RelayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_protocol", Name: "relay_reconnects_total", Help: "Relay websocket reconnect attempts"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_protocol", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_protocol",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
