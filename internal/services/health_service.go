package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"keymint/internal/infrastructure"
	"keymint/internal/store"
	api "keymint/pkg/contracts/api/v1"
)

// healthProbeKey is the key used for the store liveness read. It never
// exists; a clean not-found proves the backend answers.
const healthProbeKey = "HEALTH-PROBE"

// HubStats reports websocket hub occupancy for the readiness payload.
type HubStats interface {
	ClientCount() int
}

// MonitorStats reports how many chain monitors are in flight.
type MonitorStats interface {
	Active() int
}

// RuntimeSampler supplies the runtime snapshot for the readiness payload.
// The system metrics collector implements it.
type RuntimeSampler interface {
	GetCurrentStats(ctx context.Context) *infrastructure.SystemStats
}

// HealthService answers the liveness, readiness, and health endpoints.
type HealthService struct {
	version   string
	buildTime string
	store     store.Store
	hub       HubStats
	monitors  MonitorStats
	runtime   RuntimeSampler
	logger    *slog.Logger
	startTime time.Time
}

// NewHealthService creates a health service. hub and monitors may be nil;
// their checks are then omitted.
func NewHealthService(version string, st store.Store, hub HubStats, monitors MonitorStats, logger *slog.Logger) *HealthService {
	return NewHealthServiceWithBuildInfo(version, "", st, hub, monitors, logger)
}

// NewHealthServiceWithBuildInfo additionally carries the build timestamp
// injected at link time.
func NewHealthServiceWithBuildInfo(version, buildTime string, st store.Store, hub HubStats, monitors MonitorStats, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		store:     st,
		hub:       hub,
		monitors:  monitors,
		logger:    logger.With(slog.String("service", "health")),
		startTime: time.Now(),
	}
}

// Live reports process liveness only. It never touches dependencies, so
// a wedged store cannot make the orchestrator restart-loop the process.
func (s *HealthService) Live(ctx context.Context) api.HealthResponse {
	return api.HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Version:       s.version,
	}
}

// Check probes every dependency and reports overall health. The store is
// the only gating dependency; hub and monitor checks are informational.
func (s *HealthService) Check(ctx context.Context) api.HealthResponse {
	resp, _ := s.Ready(ctx)
	return resp
}

// Ready probes dependencies and additionally reports whether the engine
// should receive traffic.
func (s *HealthService) Ready(ctx context.Context) (api.HealthResponse, bool) {
	resp := api.HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Version:       s.version,
		Checks:        make(map[string]api.CheckResult),
	}

	ready := true

	storeCheck := s.checkStore(ctx)
	resp.Checks["store"] = storeCheck
	if storeCheck.Status != "up" {
		resp.Status = "unhealthy"
		ready = false
	}

	if s.hub != nil {
		resp.Checks["websocket"] = api.CheckResult{
			Status:  "up",
			Message: fmt.Sprintf("%d clients connected", s.hub.ClientCount()),
		}
	}
	if s.monitors != nil {
		resp.Checks["monitors"] = api.CheckResult{
			Status:  "up",
			Message: fmt.Sprintf("%d payments watched", s.monitors.Active()),
		}
	}
	resp.Checks["runtime"] = s.checkRuntime(ctx)

	if !ready {
		s.logger.WarnContext(ctx, "readiness check failed",
			slog.String("status", resp.Status))
	}
	return resp, ready
}

// UseRuntimeSampler attaches a runtime stats source. Without one the check
// falls back to a direct goroutine count.
func (s *HealthService) UseRuntimeSampler(sampler RuntimeSampler) {
	s.runtime = sampler
}

func (s *HealthService) checkRuntime(ctx context.Context) api.CheckResult {
	if s.runtime == nil {
		return api.CheckResult{
			Status:  "up",
			Message: fmt.Sprintf("%s, %d goroutines", runtime.Version(), runtime.NumGoroutine()),
		}
	}
	stats := s.runtime.GetCurrentStats(ctx)
	return api.CheckResult{
		Status: "up",
		Message: fmt.Sprintf("%s, %d goroutines, heap %dMB, %d gc cycles",
			runtime.Version(), stats.GoRoutines, stats.HeapAllocMB, stats.GCCount),
	}
}

func (s *HealthService) checkStore(ctx context.Context) api.CheckResult {
	start := time.Now()
	_, err := s.store.GetLicense(ctx, healthProbeKey)
	latency := time.Since(start)

	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return api.CheckResult{
			Status:  "down",
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return api.CheckResult{Status: "up", Latency: latency.String()}
}

// Version describes the running build.
func (s *HealthService) Version() map[string]string {
	info := map[string]string{
		"version":    s.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"start_time": s.startTime.UTC().Format(time.RFC3339),
	}
	if s.buildTime != "" {
		info["build_time"] = s.buildTime
	}
	return info
}
