package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CommandCounter tracks commands served by the RESP server, by command name.
	CommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ttlcache_server_commands_total",
		Help: "Total number of commands handled by the server",
	}, []string{"command"})
	// ConnectionGauge reports the number of open client connections.
	ConnectionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ttlcache_server_connections",
		Help: "Current number of open client connections",
	})
	// RemoteInvalidationCounter tracks invalidation events applied from other nodes.
	RemoteInvalidationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ttlcache_remote_invalidations_total",
		Help: "Total number of invalidation events received from other nodes",
	})
	// WatcherGauge reports the number of active event stream watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ttlcache_watchers",
		Help: "Current number of active event stream watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the package level metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CommandCounter, ConnectionGauge, RemoteInvalidationCounter, WatcherGauge)
}
