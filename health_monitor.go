package main

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
	healthDisabled  = "disabled"
)

// HealthStatus is the aggregated state reported by the readiness endpoint.
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceHealth `json:"services"`
	Metrics   SystemMetrics            `json:"metrics"`
	Uptime    string                   `json:"uptime"`
}

// ServiceHealth is the result of one dependency check.
type ServiceHealth struct {
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

type SystemMetrics struct {
	Goroutines    int    `json:"goroutines"`
	MemoryUsage   uint64 `json:"memory_usage_bytes"`
	SocketClients int    `json:"socket_clients"`
}

// HealthCheck probes one dependency. A nil Check marks the dependency disabled.
// Failures of non-critical checks only degrade the service.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// HealthMonitor runs the registered checks periodically and on demand.
type HealthMonitor struct {
	startTime     time.Time
	checkInterval time.Duration
	checkTimeout  time.Duration
	checks        []HealthCheck
	clients       func() int

	mu       sync.RWMutex
	services map[string]ServiceHealth
	critical map[string]bool

	stopOnce sync.Once
	stopChan chan struct{}
}

func NewHealthMonitor(checkInterval time.Duration, clients func() int, checks ...HealthCheck) *HealthMonitor {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	critical := make(map[string]bool, len(checks))
	for _, c := range checks {
		critical[c.Name] = c.Critical
	}
	return &HealthMonitor{
		startTime:     time.Now(),
		checkInterval: checkInterval,
		checkTimeout:  3 * time.Second,
		checks:        checks,
		clients:       clients,
		services:      make(map[string]ServiceHealth),
		critical:      critical,
		stopChan:      make(chan struct{}),
	}
}

// Start checks once, then every interval until Stop.
func (hm *HealthMonitor) Start() {
	hm.CheckNow(context.Background())

	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hm.CheckNow(context.Background())
		case <-hm.stopChan:
			GetLogger().Info("Health monitoring stopped")
			return
		}
	}
}

func (hm *HealthMonitor) Stop() error {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
	return nil
}

// CheckNow runs every check concurrently and records the results.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	results := make([]ServiceHealth, len(hm.checks))

	var wg sync.WaitGroup
	for i, c := range hm.checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			results[i] = hm.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	hm.mu.Lock()
	for i, c := range hm.checks {
		prev, seen := hm.services[c.Name]
		if seen && prev.Status != results[i].Status {
			GetLogger().WithFields(LogFields{"service": c.Name, "from": prev.Status, "to": results[i].Status}).Warn("Dependency health changed")
		}
		hm.services[c.Name] = results[i]
	}
	hm.mu.Unlock()
}

func (hm *HealthMonitor) run(ctx context.Context, c HealthCheck) ServiceHealth {
	now := time.Now()
	if c.Check == nil {
		return ServiceHealth{Status: healthDisabled, LastCheck: now}
	}

	ctx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	err := c.Check(ctx)
	sh := ServiceHealth{
		Status:    healthHealthy,
		LatencyMS: time.Since(now).Milliseconds(),
		LastCheck: now,
	}
	if err != nil {
		sh.Status = healthUnhealthy
		sh.Error = err.Error()
	}
	return sh
}

// GetHealthStatus returns the latest results. Any failing critical check makes
// the service unhealthy; other failures degrade it.
func (hm *HealthMonitor) GetHealthStatus() HealthStatus {
	hm.mu.RLock()
	services := make(map[string]ServiceHealth, len(hm.services))
	names := make([]string, 0, len(hm.services))
	for name, sh := range hm.services {
		services[name] = sh
		names = append(names, name)
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	overall := healthHealthy
	for _, name := range names {
		if services[name].Status != healthUnhealthy {
			continue
		}
		if hm.critical[name] {
			overall = healthUnhealthy
			break
		}
		overall = healthDegraded
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	metrics := SystemMetrics{
		Goroutines:  runtime.NumGoroutine(),
		MemoryUsage: memStats.Alloc,
	}
	if hm.clients != nil {
		metrics.SocketClients = hm.clients()
	}

	return HealthStatus{
		Status:    overall,
		Timestamp: time.Now(),
		Services:  services,
		Metrics:   metrics,
		Uptime:    time.Since(hm.startTime).Round(time.Second).String(),
	}
}

// HealthCheckHandler reports 503 while shutting down.
func HealthCheckHandler(sm *ShutdownManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sm != nil && sm.IsShuttingDown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "shutting_down",
				"message": "Service is shutting down",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    healthHealthy,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// ReadinessCheckHandler is ready once the map has a layer and no critical
// dependency is failing.
func ReadinessCheckHandler(sm *ShutdownManager, hm *HealthMonitor, mc *MapController) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sm != nil && sm.IsShuttingDown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Service is shutting down",
			})
			return
		}

		health := hm.GetHealthStatus()
		status := mc.Status()
		body := gin.H{
			"status":       "ready",
			"timestamp":    health.Timestamp.Format(time.RFC3339),
			"map":          status,
			"dependencies": health.Services,
			"metrics":      health.Metrics,
			"uptime":       health.Uptime,
		}

		if health.Status == healthUnhealthy || status.Phase != PhaseReady {
			body["status"] = "not_ready"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		if health.Status == healthDegraded {
			body["status"] = healthDegraded
		}
		c.JSON(http.StatusOK, body)
	}
}

func LivenessCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}
