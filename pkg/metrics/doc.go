// Package metrics defines the Prometheus instrumentation surface shared by
// the lifecycle engine, the ID allocator, the OS adapter and the
// partition-key daemon. Metrics are registered at package init and scraped
// through the HTTP handler mounted by pkg/api.
package metrics
