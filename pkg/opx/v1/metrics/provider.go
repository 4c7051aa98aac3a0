package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider defines the interface for accessing the engine's metrics
// registry, allowing embedders to expose metrics via their chosen method
// (e.g., a Prometheus HTTP endpoint).
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing OPX engine metrics.
	Registry() *prometheus.Registry
}
