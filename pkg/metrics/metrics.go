// Package metrics holds the Prometheus collectors of the telemetry hub. They
// are registered on the default registry and served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCycles counts poll cycles by result: "ok", "empty", "store_error", "panic".
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_poll_cycles_total",
		Help: "Total poll cycles by result.",
	}, []string{"result"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hub_poll_duration_seconds",
		Help:    "Duration of a poll cycle including the store query and broadcast.",
		Buckets: prometheus.DefBuckets,
	})

	// CursorTimestamp is the unix-second value of the poll cursor.
	CursorTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_poll_cursor_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the poll cursor. 0 before the first successful cycle.",
	})

	ReadingsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_readings_fetched_total",
		Help: "Readings returned by poll queries, before dedup and validation.",
	})

	ReadingsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_readings_duplicate_total",
		Help: "Readings suppressed by the dedup window.",
	})

	ReadingsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_readings_rejected_total",
		Help: "Readings dropped because they are structurally incomplete.",
	})

	ReadingsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_readings_delivered_total",
		Help: "Enriched readings handed to the broadcaster.",
	})

	DedupWindowSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_dedup_window_size",
		Help: "Number of reading ids currently retained by the dedup window.",
	})

	// Sessions tracks open sessions by delivery mode.
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_sessions",
		Help: "Open WebSocket sessions by delivery mode.",
	}, []string{"mode"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_messages_enqueued_total",
		Help: "Messages queued for delivery to sessions, by message type.",
	}, []string{"type"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_messages_dropped_total",
		Help: "Messages dropped because a session's outbound queue was full, by message type.",
	}, []string{"type"})

	RegistryDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_registry_devices",
		Help: "Devices in the current registry snapshot.",
	})

	RegistryRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_registry_refresh_failures_total",
		Help: "Registry loads or refreshes that failed and kept the previous snapshot.",
	})

	HistoryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_history_requests_total",
		Help: "Historical range requests by result.",
	}, []string{"result"})

	HistoryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hub_history_duration_seconds",
		Help:    "Historical range query latency in seconds.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	SimulationUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_simulation_updates_total",
		Help: "Simulation relay polls by result: \"changed\", \"unchanged\", \"error\".",
	}, []string{"result"})

	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_mirror_failures_total",
		Help: "Batches that could not be published to the Kafka mirror.",
	})
)
