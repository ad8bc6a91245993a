// Package metrics exposes Prometheus collectors for the chat client.
//
// Collectors are registered on a caller-supplied prometheus.Registerer so
// that tests and multiple clients in one process do not collide on the
// global registry. All recording methods are safe on a nil *Metrics, which
// lets components run without instrumentation.
package metrics
