package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/logger"
)

// HealthStatus represents the health status of the engine
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Engine    EngineInfo    `json:"engine"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
	HeapInUse  string `json:"heap_in_use"`
}

// EngineInfo reports memory and collective state
type EngineInfo struct {
	NumDevices      int               `json:"num_devices"`
	DeviceMemory    map[string]string `json:"device_memory"`
	PinnedBytes     int64             `json:"pinned_bytes"`
	PinnedBudget    int64             `json:"pinned_budget"`
	PinnedUsagePct  float64           `json:"pinned_usage_pct"`
	PendingRequests int               `json:"pending_requests"`
	OldestPending   time.Duration     `json:"oldest_pending,omitempty"`
	OldestRequest   int               `json:"oldest_request,omitempty"`
}

// Alert represents an engine alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // vm, memory, collective
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor serves health, status and metrics endpoints for one engine.
type HealthMonitor struct {
	version      string
	startTime    time.Time
	rt           *device.Runtime
	pinnedBudget int64
	store        *collective.RequestStore
	stallAfter   time.Duration

	server *http.Server
	mu     sync.RWMutex
	alerts []Alert
	now    func() time.Time
}

// NewHealthMonitor creates a monitor over rt. store may be nil when the
// process runs no collectives.
func NewHealthMonitor(version string, rt *device.Runtime, pinnedBudget int64, store *collective.RequestStore, stallAfter time.Duration) *HealthMonitor {
	return &HealthMonitor{
		version:      version,
		startTime:    time.Now(),
		rt:           rt,
		pinnedBudget: pinnedBudget,
		store:        store,
		stallAfter:   stallAfter,
		alerts:       make([]Alert, 0),
		now:          time.Now,
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitor on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	for i := range hm.alerts {
		a := &hm.alerts[i]
		if !a.Resolved && a.Component == component && a.Message == message {
			return
		}
	}
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: hm.now(),
	})
	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := hm.now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// ObserveFatal records an unrecoverable engine error. It matches the
// collective FatalFunc signature so it can sit in front of the VM's handler.
func (hm *HealthMonitor) ObserveFatal(source string, err error) {
	hm.AddAlert("critical", "vm", fmt.Sprintf("%s: %v", source, err))
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status samples the engine, raises threshold alerts and derives the
// overall status from unresolved alerts.
func (hm *HealthMonitor) Status() HealthStatus {
	engine := hm.engineInfo()

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkMemoryAlertsLocked(engine)
	hm.checkCollectiveAlertsLocked(engine)

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	now := hm.now()
	return HealthStatus{
		Status:    status,
		Timestamp: now,
		Version:   hm.version,
		Uptime:    now.Sub(hm.startTime),
		System:    systemInfo(),
		Engine:    engine,
		Alerts:    alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		HeapInUse:  humanize.IBytes(m.HeapInuse),
	}
}

func (hm *HealthMonitor) engineInfo() EngineInfo {
	info := EngineInfo{
		NumDevices:   hm.rt.NumDevices(),
		DeviceMemory: make(map[string]string, hm.rt.NumDevices()),
		PinnedBytes:  hm.rt.PinnedBytes(),
		PinnedBudget: hm.pinnedBudget,
	}
	for d := 0; d < hm.rt.NumDevices(); d++ {
		mc := device.DeviceMem(d)
		info.DeviceMemory[mc.String()] = humanize.IBytes(uint64(hm.rt.Allocated(mc)))
	}
	if hm.pinnedBudget > 0 {
		info.PinnedUsagePct = float64(info.PinnedBytes) / float64(hm.pinnedBudget) * 100
	}
	if hm.store != nil {
		pending := hm.store.Pending()
		info.PendingRequests = len(pending)
		if len(pending) > 0 {
			info.OldestPending = hm.now().Sub(pending[0].FirstArrival)
			info.OldestRequest = pending[0].ID
		}
	}
	return info
}

// Alert checking functions

func (hm *HealthMonitor) checkMemoryAlertsLocked(info EngineInfo) {
	if info.PinnedUsagePct > 90 {
		hm.addAlertLocked("warning", "memory",
			fmt.Sprintf("pinned memory near budget: %s of %s",
				humanize.IBytes(uint64(info.PinnedBytes)), humanize.IBytes(uint64(info.PinnedBudget))))
	}
}

func (hm *HealthMonitor) checkCollectiveAlertsLocked(info EngineInfo) {
	if hm.stallAfter > 0 && info.OldestPending > hm.stallAfter {
		hm.addAlertLocked("error", "collective",
			fmt.Sprintf("collective request %d stalled waiting on ranks", info.OldestRequest))
	}
}
