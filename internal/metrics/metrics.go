// Package metrics holds the Prometheus collectors of the Yar services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ==================== Hub ====================

	HubOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_hub_operations_total",
			Help: "Hub operations by name and result",
		},
		[]string{"operation", "result"},
	)

	HubTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_hub_transitions_total",
			Help: "Hub transaction records entering each status",
		},
		[]string{"status"},
	)

	HubLockedFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yar_hub_locked_fees_total",
		Help: "Fees locked by executeTransaction, in hub fee-token units (float approximation)",
	})

	HubUsedFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yar_hub_used_fees_total",
		Help: "Fees consumed by completeTransaction, in hub fee-token units (float approximation)",
	})

	// ==================== Relayer ====================

	RelayJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_relay_jobs_total",
			Help: "Relay jobs by final result",
		},
		[]string{"result"},
	)

	RelayStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yar_relay_step_duration_seconds",
			Help:    "Duration of relay steps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	RelayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_relay_retries_total",
			Help: "Relay step retries",
		},
		[]string{"step"},
	)

	// ==================== Event bus ====================

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_bus_published_total",
			Help: "Events published to the bus",
		},
		[]string{"event"},
	)

	BusReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_bus_received_total",
			Help: "Events received from the bus",
		},
		[]string{"event"},
	)

	BusDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yar_bus_duplicates_total",
		Help: "Bus events dropped as already processed",
	})

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yar_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	// ==================== API ====================

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yar_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
