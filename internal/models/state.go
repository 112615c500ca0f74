package models

import (
	"time"
)

// AppStateName is the lifecycle state of a managed application.
type AppStateName string

const (
	StateStopped  AppStateName = "stopped"
	StateStarting AppStateName = "starting"
	StateRunning  AppStateName = "running"
	StateIdle     AppStateName = "idle"
	StateStopping AppStateName = "stopping"
)

// Valid reports whether the value is one of the five lifecycle states.
func (s AppStateName) Valid() bool {
	switch s {
	case StateStopped, StateStarting, StateRunning, StateIdle, StateStopping:
		return true
	}
	return false
}

/**
 * One recorded state transition
 * @property {AppStateName} from - State before the transition
 * @property {AppStateName} to - State after the transition
 * @property {time.Time} at - When the transition happened
 * @property {string} reason - Why the transition happened (optional)
 * @property {bool} forced - Whether the transition bypassed the guard table
 */
type TransitionRecord struct {
	From   AppStateName `json:"from" yaml:"from"`
	To     AppStateName `json:"to" yaml:"to"`
	At     time.Time    `json:"at" yaml:"at"`
	Reason string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	Forced bool         `json:"forced,omitempty" yaml:"forced,omitempty"`
}

// AppSummary is the per-host slice of the status snapshot.
type AppSummary struct {
	Hostname       string             `json:"hostname"`
	State          AppStateName       `json:"state"`
	StateChangedAt time.Time          `json:"stateChangedAt"`
	SecondsInState float64            `json:"secondsInState"`
	LastRequestAt  *time.Time         `json:"lastRequestAt,omitempty"`
	History        []TransitionRecord `json:"history,omitempty"`
}

// StatusResponse is the full daemon snapshot served by GET /status.
type StatusResponse struct {
	Running      bool                  `json:"running"`
	AppCount     int                   `json:"appCount"`
	PollInterval int                   `json:"pollInterval"`
	StartTime    string                `json:"startTime"`
	Uptime       string                `json:"uptime"`
	TickCount    int64                 `json:"tickCount"`
	Apps         map[string]AppSummary `json:"apps"`
}
