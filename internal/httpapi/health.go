package httpapi

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/rvierich/tsrelay/internal/store"
)

// HealthHandler reports process and host health.
type HealthHandler struct {
	version   string
	startTime time.Time
	store     *store.Store
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(version string, s *store.Store) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now(), store: s}
}

// MemoryStats is host memory usage.
type MemoryStats struct {
	TotalMB     uint64  `json:"total_mb"`
	UsedMB      uint64  `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Version       string  `json:"version"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`

	Load1  float64 `json:"load_1m,omitempty"`
	Load5  float64 `json:"load_5m,omitempty"`
	Load15 float64 `json:"load_15m,omitempty"`

	Memory *MemoryStats `json:"memory,omitempty"`

	Checks map[string]string `json:"checks"`
}

// HealthOutput wraps the health payload.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/healthz",
		Summary:     "Health check",
		Description: "Returns service health including host metrics and shared-store reachability",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the worker.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Checks:        map[string]string{},
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		resp.Load1 = avg.Load1
		resp.Load5 = avg.Load5
		resp.Load15 = avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.Memory = &MemoryStats{
			TotalMB:     vm.Total / 1024 / 1024,
			UsedMB:      vm.Used / 1024 / 1024,
			UsedPercent: vm.UsedPercent,
		}
	}

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["shared_store"] = "unreachable"
	} else {
		resp.Checks["shared_store"] = "ok"
	}

	return &HealthOutput{Body: resp}, nil
}
