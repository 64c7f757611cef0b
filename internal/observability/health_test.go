package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", status.Status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("no credential") }

	tests := []struct {
		name       string
		draining   bool
		checks     []DependencyCheck
		wantCode   int
		wantStatus string
	}{
		{"all healthy", false, []DependencyCheck{{"provider", ok}}, http.StatusOK, "ready"},
		{"failing dependency", false, []DependencyCheck{{"provider", ok}, {"kafka", failing}}, http.StatusServiceUnavailable, "not_ready"},
		{"draining", true, []DependencyCheck{{"provider", ok}}, http.StatusServiceUnavailable, "draining"},
		{"no checks", false, nil, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draining := tt.draining
			handler := ReadinessHandler(func() bool { return draining }, tt.checks...)

			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, rec.Code)
			}
			var status HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("Expected status '%s', got '%s'", tt.wantStatus, status.Status)
			}
			if dep, ok := status.Dependencies["kafka"]; ok && dep.Message != "no credential" {
				t.Errorf("Expected failure message to be reported, got %q", dep.Message)
			}
		})
	}
}
