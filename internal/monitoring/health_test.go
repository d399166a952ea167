package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/device"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthHandler(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 2, DeviceMemoryBytes: 1 << 20})
	hm := NewHealthMonitor("test", rt, 0, nil, 0)

	for _, path := range []string{"/health", "/healthz"} {
		w := get(t, hm.Handler(), http.MethodGet, path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body["status"] != "healthy" {
			t.Errorf("%s: expected healthy, got %q", path, body["status"])
		}
	}
}

func TestDetailedStatus(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 2, DeviceMemoryBytes: 1 << 20})
	if _, err := rt.Malloc(device.DeviceMem(1), 2048); err != nil {
		t.Fatal(err)
	}
	hm := NewHealthMonitor("v1", rt, 0, nil, 0)

	w := get(t, hm.Handler(), http.MethodGet, "/status")
	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Version != "v1" {
		t.Errorf("expected version v1, got %q", status.Version)
	}
	if status.Engine.NumDevices != 2 {
		t.Errorf("expected 2 devices, got %d", status.Engine.NumDevices)
	}
	if got := status.Engine.DeviceMemory["device:1"]; got != "2.0 KiB" {
		t.Errorf("expected device:1 to report 2.0 KiB, got %q", got)
	}
}

func TestFatalMakesUnhealthy(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1})
	hm := NewHealthMonitor("test", rt, 0, nil, 0)
	hm.ObserveFatal("collective", errors.New("group failed"))

	w := get(t, hm.Handler(), http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := hm.Status().Status; got != "critical" {
		t.Errorf("expected critical, got %q", got)
	}

	hm.ResolveAlert(0)
	if got := hm.Status().Status; got != "healthy" {
		t.Errorf("expected healthy after resolve, got %q", got)
	}
}

func TestPinnedBudgetWarning(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1, PinnedBudgetBytes: 1000})
	if _, err := rt.Malloc(device.PinnedHostMem(), 950); err != nil {
		t.Fatal(err)
	}
	hm := NewHealthMonitor("test", rt, 1000, nil, 0)

	status := hm.Status()
	if status.Status != "healthy" {
		t.Errorf("warnings should not degrade status, got %q", status.Status)
	}
	hm.Status()
	if len(status.Alerts) != 1 || status.Alerts[0].Component != "memory" {
		t.Fatalf("expected one memory alert, got %+v", status.Alerts)
	}
	if n := len(hm.Status().Alerts); n != 1 {
		t.Errorf("repeated samples should not duplicate alerts, got %d", n)
	}
}

func TestStalledCollectiveDegrades(t *testing.T) {
	plan, err := collective.NewPlan([]collective.RequestDesc{{
		ID:        3,
		Op:        collective.OpDesc{Name: "g", Kind: collective.AllReduce, DType: blob.Float32, Shape: blob.Shape{2}, NumRanks: 2},
		DeviceSet: []int{0, 1},
	}})
	if err != nil {
		t.Fatal(err)
	}
	store := collective.NewRequestStore(plan)
	if _, err := store.AddRuntimeRequest(3, collective.RuntimeRequest{Rank: 0, Send: make([]byte, 8), Recv: make([]byte, 8)}); err != nil {
		t.Fatal(err)
	}

	rt := device.NewRuntime(device.Options{NumDevices: 2})
	hm := NewHealthMonitor("test", rt, 0, store, time.Second)
	if got := hm.Status(); got.Status != "healthy" || got.Engine.PendingRequests != 1 {
		t.Fatalf("expected healthy with one pending request, got %+v", got)
	}

	hm.now = func() time.Time { return time.Now().Add(time.Minute) }
	status := hm.Status()
	if status.Status != "degraded" {
		t.Errorf("expected degraded, got %q", status.Status)
	}
	if status.Engine.OldestRequest != 3 {
		t.Errorf("expected request 3 to be oldest, got %d", status.Engine.OldestRequest)
	}
}

func TestClearAlerts(t *testing.T) {
	rt := device.NewRuntime(device.Options{NumDevices: 1})
	hm := NewHealthMonitor("test", rt, 0, nil, 0)
	hm.AddAlert("error", "vm", "boom")

	if w := get(t, hm.Handler(), http.MethodGet, "/admin/clear-alerts"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
	if w := get(t, hm.Handler(), http.MethodPost, "/admin/clear-alerts"); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w := get(t, hm.Handler(), http.MethodGet, "/admin/alerts")
	var alerts []Alert
	if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}
