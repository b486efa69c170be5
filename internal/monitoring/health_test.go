package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthEndpoint(t *testing.T) {
	hm := NewHealthMonitor()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	hm.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("fresh monitor reported %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestHealthDegradesOnErrorAlert(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert("error", "kernel", "something slow")

	rec := httptest.NewRecorder()
	hm.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded monitor reported %d, want 503", rec.Code)
	}

	hm.ResolveAlert(0)
	rec = httptest.NewRecorder()
	hm.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resolved monitor reported %d, want 200", rec.Code)
	}
}

func TestStatusReportsLaunchHistory(t *testing.T) {
	hm := NewHealthMonitor()
	hm.ObservePrefill(4096, 10*time.Millisecond)
	hm.ObservePrefill(4096, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	hm.handleDetailedStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Performance.TokensPerSecond < 100000 {
		t.Errorf("tokens/sec = %f, want roughly 8192 tokens over 30ms", status.Performance.TokensPerSecond)
	}
	if status.Performance.AvgLatencyMs < 14 || status.Performance.AvgLatencyMs > 16 {
		t.Errorf("avg latency = %f ms, want 15", status.Performance.AvgLatencyMs)
	}
	if status.System.NumCPU <= 0 {
		t.Errorf("system info missing cpu count")
	}
}

func TestLowThroughputRaisesAlert(t *testing.T) {
	hm := NewHealthMonitor()
	hm.ObservePrefill(10, time.Second) // 10 tokens/sec

	rec := httptest.NewRecorder()
	hm.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts", nil))

	var alerts []Alert
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) == 0 {
		t.Fatal("no alert for 10 tokens/sec")
	}
	if alerts[0].Component != "kernel" || alerts[0].Level != "warning" {
		t.Errorf("alert = %+v, want kernel warning", alerts[0])
	}

	rec = httptest.NewRecorder()
	hm.handleClearAlerts(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear returned %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	hm.handleAlerts(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts", nil))
	alerts = alerts[:0]
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts survived clear: %+v", alerts)
	}
}
