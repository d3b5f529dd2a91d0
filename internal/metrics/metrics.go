// Package metrics provides Prometheus metrics for monitoring transloads.
//
// The metrics package is organized into logical modules:
//
//   - source.go: download-side throughput, stalls and outcomes
//   - leg.go: upload-leg throughput, stalls, idle timeouts and outcomes
//
// Usage example, recording an upload leg:
//
//	metrics.ActiveLegs.Inc()
//	defer metrics.ActiveLegs.Dec()
//	// ... stream the body ...
//	metrics.LegsTotal.WithLabelValues("POST", "success").Inc()
//
// All metrics are registered with the default Prometheus registry via
// promauto; embedding applications expose them through their own /metrics
// endpoint.
package metrics
