package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Leg Metrics
//
// These metrics track individual upload legs. Use them to spot slow or
// failing destinations: stalls indicate a leg throttling the whole
// session, idle timeouts indicate a destination that stopped making
// progress entirely.

var (
	// ActiveLegs tracks upload legs currently streaming.
	ActiveLegs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transload_active_legs",
			Help: "Number of upload legs in progress",
		},
	)

	// UploadedBytes counts bytes handed to leg buffers, including
	// random suffix bytes.
	UploadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transload_uploaded_bytes_total",
			Help: "Total bytes enqueued to upload legs",
		},
	)

	// LegStalls counts transitions of a leg into the stalled state.
	LegStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transload_leg_stalls_total",
			Help: "Times an upload leg buffer crossed capacity",
		},
	)

	// IdleTimeouts counts legs aborted by the 60s idle timer.
	IdleTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transload_leg_idle_timeouts_total",
			Help: "Upload legs aborted for lack of forward progress",
		},
	)

	// LegsTotal counts finished legs.
	// Labels: method (POST, PUT), status (success, error)
	LegsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transload_legs_total",
			Help: "Total number of upload legs by method and outcome",
		},
		[]string{"method", "status"},
	)
)
