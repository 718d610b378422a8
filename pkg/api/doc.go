// Package api exposes the HTTP surface of long-running provisioning
// processes: liveness/readiness probes and Prometheus metrics for the
// partition-key daemon, served alongside its watch loop.
package api
