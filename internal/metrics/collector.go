package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Collector collects periodic, process-wide metrics.
type Collector struct {
	startTime time.Time
	mu        sync.RWMutex
}

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics.
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommand records command execution.
func RecordCommand(cmd, status string, duration time.Duration) {
	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordRedirect records a MOVED or ASK redirection.
func RecordRedirect(kind string) {
	RedirectsTotal.WithLabelValues(kind).Inc()
}

// RecordConnection records connection count change.
func RecordConnection(delta int) {
	ConnectionsTotal.Add(float64(delta))
}

// RecordBackendError records a back-end I/O failure.
func RecordBackendError(backend string) {
	BackendErrorsTotal.WithLabelValues(backend).Inc()
}

// RecordMigratedKeys records keys migrated for a dbname.
func RecordMigratedKeys(dbname string, n int) {
	MigrationKeysTotal.WithLabelValues(dbname).Add(float64(n))
}

// RecordEpoch records the currently published epoch.
func RecordEpoch(epoch uint64) {
	Epoch.Set(float64(epoch))
}
