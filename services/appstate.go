package services

import (
	"fmt"
	"time"

	"kamal-napper/internal/models"
)

// historyLimit bounds the in-memory transition history per host.
const historyLimit = 50

// StateError reports a transition that is not in the guard table. It
// indicates a supervisor bug; the per-host handler resets the app.
type StateError struct {
	Hostname string
	From     models.AppStateName
	To       models.AppStateName
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for %s", e.From, e.To, e.Hostname)
}

// allowedTransitions is the guard table. Idle may return straight to
// Running when traffic resumes before the idle timeout fires.
var allowedTransitions = map[models.AppStateName][]models.AppStateName{
	models.StateStopped:  {models.StateStarting},
	models.StateStarting: {models.StateRunning, models.StateStopped},
	models.StateRunning:  {models.StateIdle, models.StateStopping},
	models.StateIdle:     {models.StateRunning, models.StateStarting, models.StateStopping},
	models.StateStopping: {models.StateStopped},
}

/**
 * Lifecycle state machine for one managed hostname
 * @property {string} hostname - Immutable host identifier
 * @property {models.AppStateName} current - Current lifecycle state
 * @property {time.Time} stateChangedAt - Timestamp of the last transition
 * @property {*time.Time} startupStartedAt - Set while current == starting, nil otherwise
 * @property {[]models.TransitionRecord} history - Bounded transition log, oldest trimmed
 * @description
 * - Owned exclusively by the Supervisor; not safe for unsynchronized
 *   concurrent use
 */
type AppState struct {
	hostname         string
	current          models.AppStateName
	stateChangedAt   time.Time
	startupStartedAt *time.Time
	history          []models.TransitionRecord

	now func() time.Time
}

// NewAppState creates an AppState in Stopped.
func NewAppState(hostname string) *AppState {
	a := &AppState{
		hostname: hostname,
		current:  models.StateStopped,
		now:      time.Now,
	}
	a.stateChangedAt = a.now()
	return a
}

func (a *AppState) Hostname() string {
	return a.hostname
}

func (a *AppState) Current() models.AppStateName {
	return a.current
}

func (a *AppState) StateChangedAt() time.Time {
	return a.stateChangedAt
}

// StartupStartedAt is non-nil exactly while the app is starting.
func (a *AppState) StartupStartedAt() *time.Time {
	return a.startupStartedAt
}

// History returns a copy of the transition log, oldest first.
func (a *AppState) History() []models.TransitionRecord {
	out := make([]models.TransitionRecord, len(a.history))
	copy(out, a.history)
	return out
}

/**
 * Perform a guarded transition
 * @param {models.AppStateName} to - Target state
 * @returns {error} StateError when the transition is not allowed, nil otherwise
 * @description
 * - A transition to the current state is a no-op and touches nothing
 * - On success stateChangedAt is updated, startupStartedAt is managed
 *   and a history record is appended
 */
func (a *AppState) TransitionTo(to models.AppStateName) error {
	return a.TransitionWithReason(to, "")
}

// TransitionWithReason is TransitionTo with a recorded reason.
func (a *AppState) TransitionWithReason(to models.AppStateName, reason string) error {
	if to == a.current {
		return nil
	}
	if !a.transitionAllowed(to) {
		return &StateError{Hostname: a.hostname, From: a.current, To: to}
	}
	a.apply(to, reason, false)
	return nil
}

// ForceTransitionTo bypasses the guard table. Used for timeouts, sync
// corrections and recovery; the record carries forced=true.
func (a *AppState) ForceTransitionTo(to models.AppStateName, reason string) {
	if !to.Valid() {
		return
	}
	a.apply(to, reason, true)
}

// Reset forces the app back to Stopped with reason "reset".
func (a *AppState) Reset() {
	a.ForceTransitionTo(models.StateStopped, "reset")
}

func (a *AppState) transitionAllowed(to models.AppStateName) bool {
	for _, next := range allowedTransitions[a.current] {
		if next == to {
			return true
		}
	}
	return false
}

func (a *AppState) apply(to models.AppStateName, reason string, forced bool) {
	from := a.current
	at := a.now()
	// stateChangedAt never goes backwards, even with a skewed clock.
	if at.Before(a.stateChangedAt) {
		at = a.stateChangedAt
	}

	a.current = to
	a.stateChangedAt = at
	if to == models.StateStarting {
		started := at
		a.startupStartedAt = &started
	} else {
		a.startupStartedAt = nil
	}

	a.history = append(a.history, models.TransitionRecord{
		From:   from,
		To:     to,
		At:     at,
		Reason: reason,
		Forced: forced,
	})
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}

	recordTransition(to, forced)
}

// Active reports whether the app is serving (running or idle).
func (a *AppState) Active() bool {
	return a.current == models.StateRunning || a.current == models.StateIdle
}

// Inactive reports whether the app is down or going down.
func (a *AppState) Inactive() bool {
	return a.current == models.StateStopped || a.current == models.StateStopping
}

// Stable reports whether the app is in a settled state.
func (a *AppState) Stable() bool {
	switch a.current {
	case models.StateStopped, models.StateRunning, models.StateIdle:
		return true
	}
	return false
}

// Transitioning reports whether the app is between settled states.
func (a *AppState) Transitioning() bool {
	return a.current == models.StateStarting || a.current == models.StateStopping
}

// Summary renders the API view of this app.
func (a *AppState) Summary(lastRequest time.Time) models.AppSummary {
	summary := models.AppSummary{
		Hostname:       a.hostname,
		State:          a.current,
		StateChangedAt: a.stateChangedAt,
		SecondsInState: a.now().Sub(a.stateChangedAt).Seconds(),
		History:        a.History(),
	}
	if !lastRequest.IsZero() {
		t := lastRequest
		summary.LastRequestAt = &t
	}
	return summary
}
