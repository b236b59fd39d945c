package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "undermoon"
)

var (
	// CommandsTotal counts commands handled on the client-facing listener.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed",
		},
		[]string{"cmd", "status"}, // status: ok/moved/ask/crossslot/error
	)

	// CommandDuration measures end-to-end command latency, including any
	// back-end round trip.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// RedirectsTotal counts MOVED/ASK redirections issued to clients.
	RedirectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Total number of MOVED/ASK redirections sent to clients",
		},
		[]string{"kind"}, // moved/ask
	)

	// MemoryUsage tracks proxy process memory usage.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Proxy process memory usage in bytes",
		},
		[]string{"type"}, // alloc/sys/heap_alloc/heap_sys/heap_inuse
	)

	// ConnectionsTotal tracks active client connections.
	ConnectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of client connections",
		},
	)

	// BackendConnections tracks open back-end connections, per back-end address.
	BackendConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_connections",
			Help:      "Open back-end connections per address",
		},
		[]string{"backend"},
	)

	// BackendErrorsTotal counts back-end I/O failures, per back-end address.
	BackendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total back-end connection or request failures",
		},
		[]string{"backend"},
	)

	// MigrationKeysTotal counts keys moved by the migration engine, per dbname.
	MigrationKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_keys_total",
			Help:      "Total number of keys migrated between back ends",
		},
		[]string{"dbname"},
	)

	// Epoch exposes the currently published metadata epoch.
	Epoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Epoch of the currently published metadata snapshot",
		},
	)

	// Info exposes build info.
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Undermoon proxy build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks proxy uptime.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Proxy uptime in seconds",
		},
	)
)

// InitInfo initializes the info metric.
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
