package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"kamal-napper/internal/config"
	"kamal-napper/internal/models"
	"kamal-napper/services"
)

// The stubs below satisfy the supervisor's collaborator interfaces so the
// controllers can be exercised against a real Supervisor.

type noTraffic struct{}

func (noTraffic) LastRequestTime(host string) time.Time                { return time.Time{} }
func (noTraffic) RecentRequests(host string, within time.Duration) bool { return false }
func (noTraffic) DetectedHostnames() []string                          { return nil }

type allUnhealthy struct{}

func (allUnhealthy) Healthy(host string) bool { return false }

type recordingRunner struct {
	startCalls []string
	stopCalls  []string
}

func (r *recordingRunner) StartAppContainer(ctx context.Context, host string) (bool, error) {
	r.startCalls = append(r.startCalls, host)
	return true, nil
}

func (r *recordingRunner) StopAppContainer(ctx context.Context, host string) (bool, error) {
	r.stopCalls = append(r.stopCalls, host)
	return true, nil
}

func (r *recordingRunner) ForceStopContainer(ctx context.Context, host string) error { return nil }

func (r *recordingRunner) SetMaintenanceMode(ctx context.Context, host string, enabled bool) {}

func (r *recordingRunner) DiscoverKamalApps(ctx context.Context) map[string]models.KamalApp {
	return nil
}

func testRouter(t *testing.T) (*gin.Engine, *services.Supervisor, *recordingRunner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.AppConfig{
		IdleTimeout:        900,
		PollInterval:       10,
		StartupTimeout:     60,
		HealthCheckPort:    80,
		HealthCheckPath:    "/health",
		HealthCheckTimeout: 10,
		StateDir:           t.TempDir(),
	}
	runner := &recordingRunner{}
	supervisor := services.NewSupervisor(cfg, noTraffic{}, allUnhealthy{}, runner, nil)

	router := gin.New()
	NewAPIController().RegisterRoutes(router)
	NewAppController(supervisor).RegisterRoutes(router)
	return router, supervisor, runner
}

func TestHealthEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d", w.Code)
	}
	var health models.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Service != "kamal-napper" {
		t.Errorf("health = %+v", health)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/up", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("/up = %d %q", w.Code, w.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, supervisor, _ := testRouter(t)
	supervisor.AddApp("app.example.com")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/napper/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status models.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.AppCount != 1 {
		t.Errorf("appCount = %d", status.AppCount)
	}
	if app, ok := status.Apps["app.example.com"]; !ok || app.State != models.StateStopped {
		t.Errorf("apps = %+v", status.Apps)
	}
}

func TestControlWake(t *testing.T) {
	router, supervisor, runner := testRouter(t)
	supervisor.AddApp("app.example.com")

	body := strings.NewReader(`{"host":"app.example.com","action":"wake"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/napper/api/v1/control", body))
	if w.Code != http.StatusOK {
		t.Fatalf("control status = %d: %s", w.Code, w.Body.String())
	}
	var resp models.ControlResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Action != "wake" || resp.Hostname != "app.example.com" {
		t.Errorf("resp = %+v", resp)
	}
	if len(runner.startCalls) != 1 {
		t.Errorf("start calls = %v", runner.startCalls)
	}

	// Waking a non-stopped app reports failure, not an HTTP error.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/napper/api/v1/control",
		strings.NewReader(`{"host":"app.example.com","action":"wake"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("second wake status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("waking a starting app must not report success")
	}
}

func TestControlValidation(t *testing.T) {
	router, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/napper/api/v1/control",
		strings.NewReader(`{"host":"app.example.com","action":"explode"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/napper/api/v1/control",
		strings.NewReader(`{"action":"wake"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing host status = %d", w.Code)
	}
}

func TestAddRemoveEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/napper/api/v1/apps/app.example.com", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/napper/api/v1/apps/localhost", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid hostname add status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/napper/api/v1/apps/app.example.com", nil))
	if w.Code != http.StatusOK {
		t.Errorf("remove status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/napper/api/v1/apps/app.example.com", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("double remove status = %d", w.Code)
	}
}
