package models

import (
	"time"
)

// SnapshotVersion is bumped when the persisted schema changes shape.
const SnapshotVersion = 1

/**
 * Serialized form of a single AppState
 * @property {AppStateName} current_state - Lifecycle state at save time
 * @property {time.Time} state_changed_at - Last transition timestamp
 * @property {*time.Time} startup_started_at - Set only while starting
 * @property {[]TransitionRecord} history - Most recent transitions, capped at 10
 */
type PersistedApp struct {
	CurrentState     AppStateName       `yaml:"current_state"`
	StateChangedAt   time.Time          `yaml:"state_changed_at"`
	StartupStartedAt *time.Time         `yaml:"startup_started_at,omitempty"`
	History          []TransitionRecord `yaml:"history,omitempty"`
}

// PersistedSnapshot is the on-disk layout of <state_dir>/state.yml.
type PersistedSnapshot struct {
	SavedAt time.Time               `yaml:"saved_at"`
	Version int                     `yaml:"version"`
	States  map[string]PersistedApp `yaml:"states"`
}
