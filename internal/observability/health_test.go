package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "healthy" || status.Service != serviceName {
		t.Errorf("unexpected health payload: %+v", status)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) { return true, nil },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ready" {
		t.Errorf("Expected status 'ready', got %q", status.Status)
	}
	if status.Dependencies["deepgram"].Status != "healthy" {
		t.Errorf("Expected deepgram healthy, got %+v", status.Dependencies["deepgram"])
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) { return false, errors.New("api key not configured") },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("Expected status 'not_ready', got %q", status.Status)
	}
	if status.Dependencies["deepgram"].Message != "api key not configured" {
		t.Errorf("Expected error message to be reported, got %+v", status.Dependencies["deepgram"])
	}
}

func TestUpdateGRPCHealth(t *testing.T) {
	srv := health.NewServer()
	ready := true
	checks := map[string]HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) { return ready, nil },
	}

	if !UpdateGRPCHealth(context.Background(), srv, checks) {
		t.Fatal("Expected checks to pass")
	}
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: GRPCHealthService})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}

	ready = false
	UpdateGRPCHealth(context.Background(), srv, checks)
	resp, err = srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: GRPCHealthService})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", resp.Status)
	}
}
