package services

import (
	"context"
	"testing"
	"time"

	"kamal-napper/internal/config"
	"kamal-napper/internal/models"
)

// stubTraffic implements trafficSource with injectable observations.
type stubTraffic struct {
	last  map[string]time.Time
	hosts []string
	now   func() time.Time
}

func (s *stubTraffic) LastRequestTime(host string) time.Time {
	return s.last[host]
}

func (s *stubTraffic) RecentRequests(host string, within time.Duration) bool {
	last, ok := s.last[host]
	if !ok {
		return false
	}
	return s.now().Sub(last) < within
}

func (s *stubTraffic) DetectedHostnames() []string {
	return s.hosts
}

// stubHealth answers probes from a map.
type stubHealth struct {
	healthy map[string]bool
}

func (s *stubHealth) Healthy(host string) bool {
	return s.healthy[host]
}

// stubAppRunner records every side effect.
type stubAppRunner struct {
	startCalls  []string
	stopCalls   []string
	killCalls   []string
	maintenance map[string]bool
	apps        map[string]models.KamalApp
	startErr    error
	stopErr     error
	startOK     bool
}

func newStubAppRunner() *stubAppRunner {
	return &stubAppRunner{
		maintenance: map[string]bool{},
		apps:        map[string]models.KamalApp{},
		startOK:     true,
	}
}

func (s *stubAppRunner) StartAppContainer(ctx context.Context, host string) (bool, error) {
	s.startCalls = append(s.startCalls, host)
	return s.startOK, s.startErr
}

func (s *stubAppRunner) StopAppContainer(ctx context.Context, host string) (bool, error) {
	s.stopCalls = append(s.stopCalls, host)
	return s.stopErr == nil, s.stopErr
}

func (s *stubAppRunner) ForceStopContainer(ctx context.Context, host string) error {
	s.killCalls = append(s.killCalls, host)
	return nil
}

func (s *stubAppRunner) SetMaintenanceMode(ctx context.Context, host string, enabled bool) {
	s.maintenance[host] = enabled
}

func (s *stubAppRunner) DiscoverKamalApps(ctx context.Context) map[string]models.KamalApp {
	return s.apps
}

type supervisorFixture struct {
	sup     *Supervisor
	traffic *stubTraffic
	health  *stubHealth
	runner  *stubAppRunner
	clk     *fakeClock
}

func newSupervisorFixture(t *testing.T, cfg *config.AppConfig) *supervisorFixture {
	t.Helper()
	clk := newFakeClock()
	traffic := &stubTraffic{last: map[string]time.Time{}, now: clk.Now}
	health := &stubHealth{healthy: map[string]bool{}}
	runner := newStubAppRunner()

	sup := NewSupervisor(cfg, traffic, health, runner, nil)
	sup.now = clk.Now
	sup.sample = func() bool { return false }

	return &supervisorFixture{sup: sup, traffic: traffic, health: health, runner: runner, clk: clk}
}

func testSupervisorConfig() *config.AppConfig {
	return &config.AppConfig{
		IdleTimeout:        60,
		PollInterval:       1,
		StartupTimeout:     60,
		MaxRetries:         3,
		HealthCheckPort:    80,
		HealthCheckPath:    "/health",
		HealthCheckTimeout: 10,
		StateDir:           "/tmp/napper-test",
	}
}

// seedApp plants an app in a given state without side effects.
func (f *supervisorFixture) seedApp(host string, state models.AppStateName) *AppState {
	app := NewAppState(host)
	app.now = f.clk.Now
	// NewAppState stamped the real clock; restamp from the fake one.
	app.stateChangedAt = f.clk.Now()
	if state != models.StateStopped {
		app.ForceTransitionTo(state, "seed")
	}
	f.sup.apps[host] = app
	return app
}

const testHost = "app.example.com"

/**
 * Scenario: an app with no traffic idles out and is stopped
 * @param {*testing.T} t - Testing framework instance
 * @description
 * - Running -> Idle on the first tick without recent traffic
 * - Idle -> Stopping once the idle timeout elapses, with one stop command
 * - Stopping -> Stopped as soon as the health check fails
 */
func TestIdleTriggersStop(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	f.seedApp(testHost, models.StateRunning)
	f.health.healthy[testHost] = true

	ctx := context.Background()

	f.sup.Tick(ctx)
	if got := f.sup.apps[testHost].Current(); got != models.StateIdle {
		t.Fatalf("after first tick state = %s, want idle", got)
	}

	f.clk.Advance(62 * time.Second)
	f.health.healthy[testHost] = false
	f.sup.Tick(ctx)
	if got := f.sup.apps[testHost].Current(); got != models.StateStopping {
		t.Fatalf("after idle timeout state = %s, want stopping", got)
	}
	if len(f.runner.stopCalls) != 1 || f.runner.stopCalls[0] != testHost {
		t.Errorf("stop calls = %v", f.runner.stopCalls)
	}

	f.sup.Tick(ctx)
	if got := f.sup.apps[testHost].Current(); got != models.StateStopped {
		t.Fatalf("final state = %s, want stopped", got)
	}

	var path []string
	for _, record := range f.sup.apps[testHost].History() {
		path = append(path, string(record.From)+">"+string(record.To))
	}
	want := []string{"stopped>running", "running>idle", "idle>stopping", "stopping>stopped"}
	if len(path) != len(want) {
		t.Fatalf("history = %v", path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, path[i], want[i])
		}
	}
	if len(f.runner.stopCalls) != 1 {
		t.Errorf("stop calls = %v, want exactly one", f.runner.stopCalls)
	}
}

/**
 * Scenario: traffic wakes a stopped app
 * @param {*testing.T} t - Testing framework instance
 * @description
 * - A fresh observation moves the app to starting with maintenance on
 *   and one start command
 * - The next tick with a passing health check lands in running with
 *   maintenance off
 */
func TestTrafficWakesStoppedApp(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	f.seedApp(testHost, models.StateStopped)
	f.traffic.last[testHost] = f.clk.Now()

	ctx := context.Background()

	f.sup.Tick(ctx)
	if got := f.sup.apps[testHost].Current(); got != models.StateStarting {
		t.Fatalf("state = %s, want starting", got)
	}
	if !f.runner.maintenance[testHost] {
		t.Error("maintenance must be enabled while starting")
	}
	if len(f.runner.startCalls) != 1 {
		t.Errorf("start calls = %v", f.runner.startCalls)
	}

	f.health.healthy[testHost] = true
	f.sup.Tick(ctx)
	if got := f.sup.apps[testHost].Current(); got != models.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if f.runner.maintenance[testHost] {
		t.Error("maintenance must be disabled once running")
	}
}

/**
 * Scenario: startup timeout abandons a hung start
 * @param {*testing.T} t - Testing framework instance
 */
func TestStartupTimeout(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	app := f.seedApp(testHost, models.StateStarting)
	past := f.clk.Now().Add(-120 * time.Second)
	app.startupStartedAt = &past
	f.runner.maintenance[testHost] = true

	f.sup.Tick(context.Background())

	if got := app.Current(); got != models.StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	history := app.History()
	last := history[len(history)-1]
	if !last.Forced || last.Reason != "startup_timeout" {
		t.Errorf("record = %+v, want forced startup_timeout", last)
	}
	if f.runner.maintenance[testHost] {
		t.Error("maintenance must be disabled after giving up")
	}
}

/**
 * Scenario: sampled state sync corrects a stale stopped entry
 * @param {*testing.T} t - Testing framework instance
 * @description
 * - A healthy backend tracked as stopped is forced to running without
 *   any start command
 */
func TestStateSyncCorrection(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	app := f.seedApp(testHost, models.StateStopped)
	f.health.healthy[testHost] = true
	f.traffic.last[testHost] = f.clk.Now()
	f.sup.sample = func() bool { return true }

	f.sup.Tick(context.Background())

	if got := app.Current(); got != models.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	var corrected bool
	for _, record := range app.History() {
		if record.Reason == "state_sync_correction" && record.Forced {
			corrected = true
		}
	}
	if !corrected {
		t.Error("expected a forced state_sync_correction record")
	}
	if len(f.runner.startCalls) != 0 {
		t.Errorf("no start command expected, got %v", f.runner.startCalls)
	}
}

func TestStateSyncCorrectsDeadActive(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	app := f.seedApp(testHost, models.StateRunning)
	f.traffic.last[testHost] = f.clk.Now()
	f.health.healthy[testHost] = false
	f.sup.sample = func() bool { return true }

	f.sup.Tick(context.Background())

	if got := app.Current(); got != models.StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestDiscoveryCreatesApps(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	f.traffic.hosts = []string{"one.example.com", "napper-naptime.example.com", "localhost"}
	f.runner.apps["two.example.com"] = models.KamalApp{Service: "two"}
	f.health.healthy["two.example.com"] = true
	// Keep two busy so the same tick's advance leaves it running.
	f.traffic.last["two.example.com"] = f.clk.Now()

	f.sup.Tick(context.Background())

	one, ok := f.sup.apps["one.example.com"]
	if !ok {
		t.Fatal("one.example.com should be managed")
	}
	if one.Current() != models.StateStopped {
		t.Errorf("unhealthy fresh host state = %s, want stopped", one.Current())
	}

	two, ok := f.sup.apps["two.example.com"]
	if !ok {
		t.Fatal("two.example.com should be managed")
	}
	if two.Current() != models.StateRunning {
		t.Errorf("healthy fresh host state = %s, want running", two.Current())
	}
	history := two.History()
	if len(history) == 0 || history[0].Reason != "initial_state_sync" {
		t.Errorf("history = %+v, want initial_state_sync", history)
	}

	if _, ok := f.sup.apps["napper-naptime.example.com"]; ok {
		t.Error("self-host must never enter the managed map")
	}
	if _, ok := f.sup.apps["localhost"]; ok {
		t.Error("invalid hostnames must never enter the managed map")
	}
}

func TestStartFailureFallsBackToStopped(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	app := f.seedApp(testHost, models.StateStopped)
	f.traffic.last[testHost] = f.clk.Now()
	f.runner.startErr = &CommandError{Command: "docker start", Attempts: 4}

	f.sup.Tick(context.Background())

	if got := app.Current(); got != models.StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	history := app.History()
	last := history[len(history)-1]
	if !last.Forced || last.Reason != "start_failed" {
		t.Errorf("record = %+v, want forced start_failed", last)
	}
	if f.runner.maintenance[testHost] {
		t.Error("maintenance must be disabled after a failed start")
	}
}

func TestStuckStoppingIsForceKilled(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	app := f.seedApp(testHost, models.StateStopping)
	f.health.healthy[testHost] = true

	// Still within the grace period: nothing happens.
	f.clk.Advance(10 * time.Second)
	f.sup.Tick(context.Background())
	if got := app.Current(); got != models.StateStopping {
		t.Fatalf("state = %s, want stopping", got)
	}

	f.clk.Advance(25 * time.Second)
	f.sup.Tick(context.Background())
	if got := app.Current(); got != models.StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	if len(f.runner.killCalls) != 1 {
		t.Errorf("kill calls = %v", f.runner.killCalls)
	}
	history := app.History()
	last := history[len(history)-1]
	if !last.Forced || last.Reason != "force_stopped" {
		t.Errorf("record = %+v", last)
	}
}

func TestWakeApp(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	f.seedApp(testHost, models.StateStopped)

	ctx := context.Background()
	if !f.sup.WakeApp(ctx, testHost) {
		t.Fatal("wake of a stopped app must succeed")
	}
	if got := f.sup.apps[testHost].Current(); got != models.StateStarting {
		t.Errorf("state = %s, want starting", got)
	}
	if len(f.runner.startCalls) != 1 || !f.runner.maintenance[testHost] {
		t.Errorf("start calls = %v maintenance = %v", f.runner.startCalls, f.runner.maintenance)
	}

	// Idempotent: not stopped anymore.
	if f.sup.WakeApp(ctx, testHost) {
		t.Error("waking a starting app must report false")
	}
	if f.sup.WakeApp(ctx, "unknown.example.com") {
		t.Error("waking an unknown host must report false")
	}
}

func TestStopAllApps(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	f.seedApp("one.example.com", models.StateRunning)
	f.seedApp("two.example.com", models.StateIdle)
	f.seedApp("three.example.com", models.StateStopped)

	count := f.sup.StopAllApps(context.Background())

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if got := f.sup.apps["one.example.com"].Current(); got != models.StateStopping {
		t.Errorf("one = %s", got)
	}
	if got := f.sup.apps["two.example.com"].Current(); got != models.StateStopping {
		t.Errorf("two = %s", got)
	}
	if got := f.sup.apps["three.example.com"].Current(); got != models.StateStopped {
		t.Errorf("three = %s", got)
	}
}

func TestAddRemoveApp(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())

	if !f.sup.AddApp(testHost) {
		t.Fatal("add must succeed")
	}
	if f.sup.AddApp(testHost) {
		t.Error("double add must report false")
	}
	if f.sup.AddApp("localhost") {
		t.Error("invalid hostname must not be added")
	}

	f.sup.apps[testHost].ForceTransitionTo(models.StateRunning, "seed")
	if !f.sup.RemoveApp(context.Background(), testHost) {
		t.Fatal("remove must succeed")
	}
	if len(f.runner.stopCalls) != 1 {
		t.Errorf("removing an active app must stop it, calls = %v", f.runner.stopCalls)
	}
	if _, ok := f.sup.apps[testHost]; ok {
		t.Error("removed app still present")
	}
	if f.sup.RemoveApp(context.Background(), testHost) {
		t.Error("removing an unknown host must report false")
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	f.seedApp(testHost, models.StateRunning)
	f.traffic.last[testHost] = f.clk.Now().Add(-time.Minute)

	status := f.sup.Status()

	if status.AppCount != 1 || status.PollInterval != 1 {
		t.Errorf("status = %+v", status)
	}
	app, ok := status.Apps[testHost]
	if !ok {
		t.Fatal("app missing from snapshot")
	}
	if app.State != models.StateRunning {
		t.Errorf("state = %s", app.State)
	}
	if app.LastRequestAt == nil {
		t.Error("lastRequestAt missing")
	}

	// The snapshot is a deep copy: mutating it must not touch the map.
	app.History = append(app.History, models.TransitionRecord{})
	if len(f.sup.apps[testHost].History()) != 1 {
		t.Error("snapshot mutation leaked into the supervisor")
	}
}

func TestPanicInPerHostStepResetsApp(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig())
	one := f.seedApp("one.example.com", models.StateIdle)
	two := f.seedApp("two.example.com", models.StateIdle)
	f.sup.detector = &panickingTraffic{}

	// Must not panic out of the tick; both hosts get reset and the loop
	// survives.
	f.sup.Tick(context.Background())

	for _, app := range []*AppState{one, two} {
		if got := app.Current(); got != models.StateStopped {
			t.Errorf("%s state after panic = %s, want stopped (reset)", app.Hostname(), got)
		}
		history := app.History()
		last := history[len(history)-1]
		if last.Reason != "reset" || !last.Forced {
			t.Errorf("%s record = %+v, want forced reset", app.Hostname(), last)
		}
	}
}

// panickingTraffic blows up inside the per-host step.
type panickingTraffic struct{}

func (p *panickingTraffic) LastRequestTime(host string) time.Time { return time.Time{} }
func (p *panickingTraffic) RecentRequests(host string, within time.Duration) bool {
	panic("detector blew up")
}
func (p *panickingTraffic) DetectedHostnames() []string { return nil }
