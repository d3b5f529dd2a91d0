package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source Metrics
//
// These metrics track the download side of a transload: how many sessions
// are in flight, how much was pulled from the source, and how often the
// pump had to pause because a leg buffer was full.

var (
	// ActiveTransloads tracks the number of sessions currently running.
	ActiveTransloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transload_active_sessions",
			Help: "Number of transload sessions in progress",
		},
	)

	// DownloadedBytes counts bytes read from source bodies.
	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transload_downloaded_bytes_total",
			Help: "Total bytes read from download sources",
		},
	)

	// SourcePauses counts pump pauses caused by leg backpressure.
	// A high rate means uploads are slower than the source.
	SourcePauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transload_source_pauses_total",
			Help: "Times the source pump paused on leg backpressure",
		},
	)

	// SourcesTotal counts finished source streams.
	// Labels: status (success, error, abandoned)
	SourcesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transload_sources_total",
			Help: "Total number of source streams by outcome",
		},
		[]string{"status"},
	)
)
