package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/relayfetch/internal/domain"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/Shugur-Network/relayfetch/internal/pool"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const checkTimeout = 5 * time.Second

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// Thresholds for the process components.
type Thresholds struct {
	MemoryWarningMB   float64
	MemoryCriticalMB  float64
	GoroutineWarning  int
	GoroutineCritical int
}

// DefaultThresholds suit a single fetcher process.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarningMB:   500,
		MemoryCriticalMB:  1000,
		GoroutineWarning:  5000,
		GoroutineCritical: 20000,
	}
}

// HealthChecker reports on the relay pool and the process itself.
type HealthChecker struct {
	pool       domain.PoolStatus
	logger     *zap.Logger
	startTime  time.Time
	version    string
	thresholds Thresholds
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(p domain.PoolStatus, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		pool:       p,
		logger:     logger.Named("health"),
		startTime:  time.Now(),
		version:    version,
		thresholds: DefaultThresholds(),
	}
}

// WithThresholds replaces the process thresholds.
func (h *HealthChecker) WithThresholds(t Thresholds) *HealthChecker {
	h.thresholds = t
	return h
}

// CheckHealth evaluates every component. Overall status is the worst one.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	began := time.Now()
	components := []*ComponentStatus{
		h.checkPool(),
		h.checkSubscriptions(),
		h.checkRuntime(),
	}

	overall := StatusHealthy
	counts := map[HealthStatus]int{}
	for _, c := range components {
		counts[c.Status]++
		overall = worse(overall, c.Status)
	}

	return &HealthResponse{
		Status:     overall,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   counts[StatusHealthy],
			"degraded_components":  counts[StatusDegraded],
			"unhealthy_components": counts[StatusUnhealthy],
			"check_duration_ms":    time.Since(began).Milliseconds(),
		},
	}
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// checkPool summarizes relay records. Relays are remote and flaky, so the
// pool is degraded when none is reachable but never unhealthy.
func (h *HealthChecker) checkPool() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "relay_pool",
		Details: make(map[string]any),
	}

	records := h.pool.Records()
	byState := make(map[string]int)
	var failing []string
	for _, rec := range records {
		byState[rec.State]++
		if rec.State == pool.StateConnectFailed.String() {
			failing = append(failing, rec.URL)
		}
	}
	alive := h.pool.AliveCount()
	status.Details["relays"] = len(records)
	status.Details["alive"] = alive
	status.Details["by_state"] = byState
	if len(failing) > 0 {
		status.Details["cooling_down"] = failing
	}

	switch {
	case len(records) == 0:
		status.Status = StatusHealthy
		status.Message = "No relays contacted yet"
	case alive == 0:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("None of %d relays is connected", len(records))
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("%d/%d relays connected", alive, len(records))
	}
	return status
}

// checkSubscriptions reports on REQs in flight and how they ended.
func (h *HealthChecker) checkSubscriptions() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "subscriptions",
		Status:  StatusHealthy,
		Details: make(map[string]any),
	}
	failureRate := metrics.GetSubscriptionFailureRate()
	status.Details["active"] = metrics.GetActiveSubscriptionsCount()
	status.Details["events_accepted"] = metrics.GetEventsAcceptedCount()
	status.Details["failure_rate_percent"] = failureRate
	status.Message = fmt.Sprintf("%.1f%% of finished subscriptions failed", failureRate)
	return status
}

// checkRuntime grades heap and goroutine counts. Each fetch holds one
// goroutine per relay plus its buffered events, so both grow with load.
func (h *HealthChecker) checkRuntime() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := float64(m.HeapAlloc) / (1 << 20)
	goroutines := runtime.NumGoroutine()

	heap := grade(heapMB, h.thresholds.MemoryWarningMB, h.thresholds.MemoryCriticalMB)
	routines := grade(float64(goroutines), float64(h.thresholds.GoroutineWarning), float64(h.thresholds.GoroutineCritical))

	return &ComponentStatus{
		Name:    "runtime",
		Status:  worse(heap, routines),
		Message: fmt.Sprintf("heap %.1f MB (%s), %d goroutines (%s)", heapMB, heap, goroutines, routines),
		Details: map[string]any{
			"heap_mb":         heapMB,
			"sys_mb":          float64(m.Sys) / (1 << 20),
			"num_gc":          m.NumGC,
			"gc_cpu_fraction": m.GCCPUFraction,
			"goroutines":      goroutines,
			"cpus":            runtime.NumCPU(),
		},
	}
}

// grade maps a reading onto the warning and critical thresholds.
func grade(v, warning, critical float64) HealthStatus {
	switch {
	case v > critical:
		return StatusUnhealthy
	case v > warning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// formatUptime renders d with its largest unit first, e.g. "2d 3h 4m 5s".
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	parts := []struct {
		n    int64
		unit string
	}{
		{secs / 86400, "d"},
		{secs / 3600 % 24, "h"},
		{secs / 60 % 60, "m"},
		{secs % 60, "s"},
	}
	out := ""
	for i, p := range parts {
		if out == "" && p.n == 0 && i < len(parts)-1 {
			continue
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%d%s", p.n, p.unit)
	}
	return out
}

// HandleHealth is the HTTP handler for health checks. Degraded still
// answers 200 so probes do not restart a process whose relays are down.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	healthResponse := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if healthResponse.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(healthResponse.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr),
		zap.Int64("duration_ms", healthResponse.Summary["check_duration_ms"].(int64)))
}
