package services

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"kamal-napper/internal/config"
	"kamal-napper/internal/logger"
	"kamal-napper/internal/models"
	"kamal-napper/internal/utils"
)

const (
	// stoppingGrace is how long a stopping app may keep answering health
	// checks before the container is force-killed.
	stoppingGrace = 30 * time.Second

	// stateSyncSampleRate makes roughly one tick in five reconcile
	// tracked state against observed container liveness.
	stateSyncSampleRate = 5
)

// trafficSource is the slice of the RequestDetector the supervisor needs.
type trafficSource interface {
	LastRequestTime(host string) time.Time
	RecentRequests(host string, within time.Duration) bool
	DetectedHostnames() []string
}

// healthProber is the slice of the HealthChecker the supervisor needs.
type healthProber interface {
	Healthy(host string) bool
}

// appRunner is the slice of the Runner the supervisor needs.
type appRunner interface {
	StartAppContainer(ctx context.Context, host string) (bool, error)
	StopAppContainer(ctx context.Context, host string) (bool, error)
	ForceStopContainer(ctx context.Context, host string) error
	SetMaintenanceMode(ctx context.Context, host string, enabled bool)
	DiscoverKamalApps(ctx context.Context) map[string]models.KamalApp
}

// statePersister is the slice of StatePersistence the supervisor needs.
type statePersister interface {
	Save(states map[string]*AppState) error
	Load() (map[string]*AppState, error)
}

/**
 * The control loop owning the authoritative host -> AppState map
 * @description
 * - The tick goroutine and the control API contend for one mutex; the
 *   mutex is released around every probe, log scan, command execution
 *   and snapshot write
 * - Errors inside a per-host step reset that host and never abort the
 *   loop
 */
type Supervisor struct {
	cfg      *config.AppConfig
	detector trafficSource
	health   healthProber
	runner   appRunner
	store    statePersister

	mu        sync.Mutex
	apps      map[string]*AppState
	running   bool
	tickCount int64

	startTime time.Time
	now       func() time.Time
	sample    func() bool
}

/**
 * Create a supervisor and restore persisted state
 * @param {*config.AppConfig} cfg - Validated configuration
 * @param {trafficSource} detector - Request detector
 * @param {healthProber} health - Health checker
 * @param {appRunner} runner - Command executor
 * @param {statePersister} store - State persistence
 * @returns {*Supervisor} Supervisor with the previous snapshot loaded
 */
func NewSupervisor(cfg *config.AppConfig, detector trafficSource, health healthProber, runner appRunner, store statePersister) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		detector:  detector,
		health:    health,
		runner:    runner,
		store:     store,
		apps:      make(map[string]*AppState),
		startTime: time.Now(),
		now:       time.Now,
		sample:    func() bool { return rand.Intn(stateSyncSampleRate) == 0 },
	}
	if store != nil {
		states, err := store.Load()
		if err != nil {
			logger.Warnf("Loading persisted state failed, starting fresh: %v", err)
		} else {
			s.apps = states
			if len(states) > 0 {
				logger.Infof("Restored %d apps from disk", len(states))
			}
		}
	}
	return s
}

/**
 * Run the control loop until the context is cancelled
 * @param {context.Context} ctx - Cancelled on SIGTERM/SIGINT
 * @description
 * - Ticks every poll_interval; a final persist happens on the way out
 */
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	logger.Infof("Supervisor started (idle_timeout=%ds poll_interval=%ds)", s.cfg.IdleTimeout, s.cfg.PollInterval)

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.persist()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			logger.Info("Supervisor stopped")
			return
		case <-time.After(s.cfg.PollIntervalDuration()):
		}
	}
}

/**
 * One control-loop iteration: discover, manage every host, persist
 * @param {context.Context} ctx - Cancellation context
 * @description
 * - Failures at any step are logged and do not abort the tick; a single
 *   misbehaving host cannot stop the loop
 */
func (s *Supervisor) Tick(ctx context.Context) {
	s.discover(ctx)

	for _, host := range s.hostnames() {
		if ctx.Err() != nil {
			break
		}
		s.manageApp(ctx, host)
	}

	s.persist()

	s.mu.Lock()
	s.tickCount++
	s.mu.Unlock()
	recordTick()
}

// discover unions the detector's hostnames with the runner's container
// inventory and creates AppStates for new valid hosts. Fresh entries are
// probed once and synced to Running when the backend is already up.
func (s *Supervisor) discover(ctx context.Context) {
	seen := make(map[string]struct{})
	for _, host := range s.detector.DetectedHostnames() {
		seen[host] = struct{}{}
	}
	for host := range s.runner.DiscoverKamalApps(ctx) {
		seen[host] = struct{}{}
	}

	for host := range seen {
		if !utils.IsValidHostname(host, s.cfg.OwnHostname) {
			continue
		}
		s.mu.Lock()
		_, exists := s.apps[host]
		s.mu.Unlock()
		if exists {
			continue
		}

		healthy := s.health.Healthy(host)

		s.mu.Lock()
		if _, exists := s.apps[host]; !exists {
			app := NewAppState(host)
			app.now = s.now
			if healthy {
				app.ForceTransitionTo(models.StateRunning, "initial_state_sync")
			}
			s.apps[host] = app
			logger.Infof("Now managing %s (initial state %s)", host, app.Current())
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) hostnames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, 0, len(s.apps))
	for host := range s.apps {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// manageApp runs the sampled state sync and the state machine advance
// for one host. Any error resets that host; the tick continues.
func (s *Supervisor) manageApp(ctx context.Context, host string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Panic managing %s: %v", host, r)
			s.resetApp(host)
		}
	}()

	if s.sample() {
		s.syncState(host)
	}

	if err := s.advance(ctx, host); err != nil {
		logger.Errorf("Advancing %s failed: %v", host, err)
		s.resetApp(host)
	}
}

func (s *Supervisor) resetApp(host string) {
	s.mu.Lock()
	if app, ok := s.apps[host]; ok {
		app.Reset()
	}
	s.mu.Unlock()
}

// syncState reconciles tracked state with the observed liveness of the
// backend. Mismatches are corrected with a forced transition.
func (s *Supervisor) syncState(host string) {
	healthy := s.health.Healthy(host)

	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[host]
	if !ok {
		return
	}
	if healthy && !app.Active() {
		logger.Warnf("%s is healthy but tracked %s, correcting", host, app.Current())
		app.ForceTransitionTo(models.StateRunning, "state_sync_correction")
	} else if !healthy && app.Active() {
		logger.Warnf("%s is unhealthy but tracked %s, correcting", host, app.Current())
		app.ForceTransitionTo(models.StateStopped, "state_sync_correction")
	}
}

/**
 * Advance one host through the state machine
 * @param {context.Context} ctx - Cancellation context
 * @param {string} host - Managed hostname
 * @returns {error} StateError on a guard violation (a bug); side-effect
 *                  failures are handled with documented fallbacks and
 *                  not returned
 */
func (s *Supervisor) advance(ctx context.Context, host string) error {
	s.mu.Lock()
	app, ok := s.apps[host]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	state := app.Current()
	changedAt := app.StateChangedAt()
	var startedAt time.Time
	if p := app.StartupStartedAt(); p != nil {
		startedAt = *p
	}
	s.mu.Unlock()

	idle := s.cfg.IdleTimeoutDuration()

	switch state {
	case models.StateStopped:
		if s.detector.RecentRequests(host, idle) {
			logger.Infof("Traffic for stopped app %s, waking", host)
			return s.startApp(ctx, host, state)
		}

	case models.StateStarting:
		if s.health.Healthy(host) {
			if err := s.transition(host, state, models.StateRunning, ""); err != nil {
				return err
			}
			s.runner.SetMaintenanceMode(ctx, host, false)
		} else if !startedAt.IsZero() && s.now().Sub(startedAt) >= s.cfg.StartupTimeoutDuration() {
			logger.Warnf("%s did not become healthy within %ds, giving up", host, s.cfg.StartupTimeout)
			s.forceTransition(host, state, models.StateStopped, "startup_timeout")
			s.runner.SetMaintenanceMode(ctx, host, false)
		}

	case models.StateRunning:
		if !s.detector.RecentRequests(host, idle) {
			return s.transition(host, state, models.StateIdle, "")
		}

	case models.StateIdle:
		if s.detector.RecentRequests(host, idle) {
			return s.transition(host, state, models.StateRunning, "")
		}
		if s.now().Sub(changedAt) >= idle {
			logger.Infof("%s idle beyond %ds, putting to sleep", host, s.cfg.IdleTimeout)
			return s.stopApp(ctx, host, state)
		}

	case models.StateStopping:
		if !s.health.Healthy(host) {
			return s.transition(host, state, models.StateStopped, "")
		}
		if s.now().Sub(changedAt) > stoppingGrace {
			logger.Warnf("%s still healthy %v after stop, force killing", host, stoppingGrace)
			if err := s.runner.ForceStopContainer(ctx, host); err != nil {
				logger.Errorf("Force stop of %s failed: %v", host, err)
			}
			s.forceTransition(host, state, models.StateStopped, "force_stopped")
		}
	}
	return nil
}

// startApp is the shared Stopped -> Starting path: maintenance on, start
// the container, with the documented fallbacks on failure.
func (s *Supervisor) startApp(ctx context.Context, host string, from models.AppStateName) error {
	if err := s.transition(host, from, models.StateStarting, ""); err != nil {
		return err
	}
	s.runner.SetMaintenanceMode(ctx, host, true)

	started, err := s.runner.StartAppContainer(ctx, host)
	if err != nil {
		logger.Errorf("Start command for %s failed: %v", host, err)
		s.runner.SetMaintenanceMode(ctx, host, false)
		s.forceTransition(host, models.StateStarting, models.StateStopped, "start_failed")
		return nil
	}
	if !started {
		logger.Warnf("No container to start for %s", host)
		s.runner.SetMaintenanceMode(ctx, host, false)
		s.forceTransition(host, models.StateStarting, models.StateStopped, "no_container")
	}
	return nil
}

// stopApp is the shared * -> Stopping path: issue the stop, escalating
// to a force kill when the command exhausts its retries.
func (s *Supervisor) stopApp(ctx context.Context, host string, from models.AppStateName) error {
	if err := s.transition(host, from, models.StateStopping, ""); err != nil {
		return err
	}
	if _, err := s.runner.StopAppContainer(ctx, host); err != nil {
		logger.Errorf("Stop command for %s failed: %v, force killing", host, err)
		if err := s.runner.ForceStopContainer(ctx, host); err != nil {
			logger.Errorf("Force stop of %s failed: %v", host, err)
		}
	}
	return nil
}

// transition applies a guarded transition if the host still is in the
// state the decision was made from. Concurrent API mutations win.
func (s *Supervisor) transition(host string, from, to models.AppStateName, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[host]
	if !ok || app.Current() != from {
		return nil
	}
	return app.TransitionWithReason(to, reason)
}

func (s *Supervisor) forceTransition(host string, from, to models.AppStateName, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[host]
	if !ok || app.Current() != from {
		return
	}
	app.ForceTransitionTo(to, reason)
}

// persist snapshots the map under the lock and writes it without.
func (s *Supervisor) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	states := make(map[string]*AppState, len(s.apps))
	for host, app := range s.apps {
		states[host] = app.clone()
	}
	s.mu.Unlock()

	if err := s.store.Save(states); err != nil {
		logger.Errorf("Persisting state failed: %v", err)
	}
}

/**
 * Wake a stopped app on demand
 * @param {context.Context} ctx - Cancellation context
 * @param {string} host - Managed hostname
 * @returns {bool} true when the wake path was invoked; false for unknown
 *                 hosts and idempotently for non-stopped states
 */
func (s *Supervisor) WakeApp(ctx context.Context, host string) bool {
	s.mu.Lock()
	app, ok := s.apps[host]
	stopped := ok && app.Current() == models.StateStopped
	s.mu.Unlock()
	if !stopped {
		return false
	}
	if err := s.startApp(ctx, host, models.StateStopped); err != nil {
		logger.Errorf("Wake of %s failed: %v", host, err)
		return false
	}
	logger.Infof("Woke %s on request", host)
	return true
}

// SleepApp forces the idle -> stopping path for an active host.
func (s *Supervisor) SleepApp(ctx context.Context, host string) bool {
	s.mu.Lock()
	app, ok := s.apps[host]
	var state models.AppStateName
	active := ok && app.Active()
	if active {
		state = app.Current()
	}
	s.mu.Unlock()
	if !active {
		return false
	}
	if err := s.stopApp(ctx, host, state); err != nil {
		logger.Errorf("Sleep of %s failed: %v", host, err)
		return false
	}
	logger.Infof("Put %s to sleep on request", host)
	return true
}

// StopAllApps stops every active app and returns how many were acted on.
func (s *Supervisor) StopAllApps(ctx context.Context) int {
	count := 0
	for _, host := range s.hostnames() {
		if s.SleepApp(ctx, host) {
			count++
		}
	}
	return count
}

// AddApp registers a host explicitly. Returns false for invalid
// hostnames or hosts already managed.
func (s *Supervisor) AddApp(host string) bool {
	if !utils.IsValidHostname(host, s.cfg.OwnHostname) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apps[host]; exists {
		return false
	}
	app := NewAppState(host)
	app.now = s.now
	s.apps[host] = app
	logger.Infof("Added %s", host)
	return true
}

// RemoveApp stops the host if active, then forgets it and updates the
// persisted snapshot.
func (s *Supervisor) RemoveApp(ctx context.Context, host string) bool {
	s.mu.Lock()
	_, exists := s.apps[host]
	s.mu.Unlock()
	if !exists {
		return false
	}
	s.SleepApp(ctx, host)
	s.mu.Lock()
	delete(s.apps, host)
	s.mu.Unlock()
	s.persist()
	logger.Infof("Removed %s", host)
	return true
}

/**
 * Deep-copied status snapshot
 * @returns {models.StatusResponse} Safe to use concurrently with the tick
 */
func (s *Supervisor) Status() models.StatusResponse {
	s.mu.Lock()
	clones := make(map[string]*AppState, len(s.apps))
	for host, app := range s.apps {
		clones[host] = app.clone()
	}
	resp := models.StatusResponse{
		Running:      s.running,
		AppCount:     len(clones),
		PollInterval: s.cfg.PollInterval,
		StartTime:    s.startTime.Format(time.RFC3339),
		Uptime:       s.now().Sub(s.startTime).Round(time.Second).String(),
		TickCount:    s.tickCount,
	}
	s.mu.Unlock()

	resp.Apps = make(map[string]models.AppSummary, len(clones))
	for host, app := range clones {
		resp.Apps[host] = app.Summary(s.detector.LastRequestTime(host))
	}
	return resp
}

// DumpStatus writes a one-shot status summary to the log (SIGUSR1).
func (s *Supervisor) DumpStatus() {
	status := s.Status()
	logger.Infof("Status: %d apps, tick %d, uptime %s", status.AppCount, status.TickCount, status.Uptime)
	for host, app := range status.Apps {
		logger.Infof("  %s: %s for %.0fs", host, app.State, app.SecondsInState)
	}
}

// clone returns a deep copy safe to read without the supervisor lock.
func (a *AppState) clone() *AppState {
	c := *a
	c.history = a.History()
	if a.startupStartedAt != nil {
		t := *a.startupStartedAt
		c.startupStartedAt = &t
	}
	return &c
}
