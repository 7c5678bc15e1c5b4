// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the maintenance subsystem:
//   - Per-op Perform() duration histograms
//   - Per-op running gauges (mirroring in-flight invocation counts)
//   - Completed and refused dispatch counters
//   - Memory pressure gauges (used bytes, target bytes, pressure flag)
//
// Metrics are exposed via a dedicated HTTP server on /metrics in
// Prometheus format.
//
// Usage:
//
//	m := metrics.NewMaintenanceMetrics()
//	mgr := maintenance.NewManager(opts, probe).WithMetrics(m)
//
//	srv := metrics.NewServer(":9090")
//	srv.Start()
package metrics
