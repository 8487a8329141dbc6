package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// SystemMetrics records Go runtime health gauges alongside the business
// metrics so operators can spot leaks in the long-lived monitor and
// sweeper goroutines.
type SystemMetrics struct {
	goRoutines    metric.Int64Gauge
	heapAlloc     metric.Int64Gauge
	heapSys       metric.Int64Gauge
	gcPause       metric.Float64Histogram
	processUptime metric.Float64Gauge
}

// NewSystemMetrics creates the runtime metric instruments
func NewSystemMetrics(meter metric.Meter) (*SystemMetrics, error) {
	goRoutines, err := meter.Int64Gauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}

	heapAlloc, err := meter.Int64Gauge(
		"system_heap_alloc_bytes",
		metric.WithDescription("Heap memory currently allocated"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	heapSys, err := meter.Int64Gauge(
		"system_heap_sys_bytes",
		metric.WithDescription("Heap memory obtained from the OS"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	gcPause, err := meter.Float64Histogram(
		"system_gc_pause_seconds",
		metric.WithDescription("Garbage collection pause duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	processUptime, err := meter.Float64Gauge(
		"system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &SystemMetrics{
		goRoutines:    goRoutines,
		heapAlloc:     heapAlloc,
		heapSys:       heapSys,
		gcPause:       gcPause,
		processUptime: processUptime,
	}, nil
}

// SystemStats is a point-in-time snapshot of runtime health. The readiness
// payload reports its numbers in the runtime check.
type SystemStats struct {
	GoRoutines    int64         `json:"goroutines"`
	HeapAllocMB   int64         `json:"heap_alloc_mb"`
	HeapSysMB     int64         `json:"heap_sys_mb"`
	GCCount       uint32        `json:"gc_count"`
	LastGCPause   time.Duration `json:"-"`
	ProcessUptime time.Duration `json:"-"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Collect samples the runtime and records the gauges
func (sm *SystemMetrics) Collect(ctx context.Context, startTime time.Time) *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(startTime)
	stats := &SystemStats{
		GoRoutines:    int64(runtime.NumGoroutine()),
		HeapAllocMB:   int64(memStats.Alloc) / 1024 / 1024,
		HeapSysMB:     int64(memStats.Sys) / 1024 / 1024,
		GCCount:       memStats.NumGC,
		LastGCPause:   time.Duration(memStats.PauseNs[(memStats.NumGC+255)%256]),
		ProcessUptime: uptime,
		UptimeSeconds: int64(uptime.Seconds()),
		Timestamp:     time.Now(),
	}

	sm.goRoutines.Record(ctx, stats.GoRoutines)
	sm.heapAlloc.Record(ctx, int64(memStats.Alloc))
	sm.heapSys.Record(ctx, int64(memStats.Sys))
	sm.processUptime.Record(ctx, uptime.Seconds())

	if stats.LastGCPause > 0 {
		sm.gcPause.Record(ctx, stats.LastGCPause.Seconds())
	}

	return stats
}

// SystemMetricsCollector samples runtime metrics on a fixed interval
type SystemMetricsCollector struct {
	metrics   *SystemMetrics
	startTime time.Time
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSystemMetricsCollector creates a collector with its instruments registered
func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration) (*SystemMetricsCollector, error) {
	metrics, err := NewSystemMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create system metrics: %w", err)
	}

	return &SystemMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins periodic collection. Blocks until Stop or ctx cancellation.
func (smc *SystemMetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.metrics.Collect(ctx, smc.startTime)

	for {
		select {
		case <-ticker.C:
			smc.metrics.Collect(ctx, smc.startTime)
		case <-smc.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the collection loop. Safe to call more than once.
func (smc *SystemMetricsCollector) Stop() {
	smc.stopOnce.Do(func() { close(smc.stopCh) })
}

// GetCurrentStats samples and returns the current runtime statistics
func (smc *SystemMetricsCollector) GetCurrentStats(ctx context.Context) *SystemStats {
	return smc.metrics.Collect(ctx, smc.startTime)
}

// StartTime returns when the collector (and therefore the process) started
func (smc *SystemMetricsCollector) StartTime() time.Time {
	return smc.startTime
}
