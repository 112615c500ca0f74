package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kamal-napper/internal/logger"
	"kamal-napper/internal/models"
)

const (
	stateFileName = "state.yml"

	// persistedHistoryLimit caps the history written per host; the full
	// in-memory history stays at historyLimit.
	persistedHistoryLimit = 10
)

// PersistenceError wraps a load/save failure. Load degrades to an empty
// map, save failures leave the previous snapshot in place.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

/**
 * Crash-safe store for all AppStates
 * @property {string} dir - State directory holding state.yml and backups
 * @description
 * - Snapshots are written to a temp file, fsynced and renamed into
 *   place, so a crash mid-save leaves the previous snapshot intact
 * - A corrupt snapshot is moved aside as state.yml.backup.<epoch> and
 *   the daemon starts fresh
 */
type StatePersistence struct {
	dir string

	now func() time.Time
}

// NewStatePersistence creates the state directory when missing.
func NewStatePersistence(dir string) (*StatePersistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &PersistenceError{Op: "init", Err: err}
	}
	return &StatePersistence{dir: dir, now: time.Now}, nil
}

func (p *StatePersistence) statePath() string {
	return filepath.Join(p.dir, stateFileName)
}

/**
 * Persist all AppStates atomically
 * @param {map[string]*AppState} states - The supervisor's host map
 * @returns {error} PersistenceError on any I/O failure
 */
func (p *StatePersistence) Save(states map[string]*AppState) error {
	snapshot := models.PersistedSnapshot{
		SavedAt: p.now(),
		Version: models.SnapshotVersion,
		States:  make(map[string]models.PersistedApp, len(states)),
	}
	for host, app := range states {
		history := app.History()
		if len(history) > persistedHistoryLimit {
			history = history[len(history)-persistedHistoryLimit:]
		}
		snapshot.States[host] = models.PersistedApp{
			CurrentState:     app.Current(),
			StateChangedAt:   app.StateChangedAt(),
			StartupStartedAt: app.StartupStartedAt(),
			History:          history,
		}
	}

	data, err := yaml.Marshal(&snapshot)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	tmp, err := os.CreateTemp(p.dir, "state-*.yml")
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Err: err}
	}
	if err := os.Rename(tmpName, p.statePath()); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

/**
 * Load the persisted snapshot back into AppStates
 * @returns {map[string]*AppState} Reconstructed host map, empty when no snapshot exists
 * @returns {error} Only I/O errors other than not-exist; parse failures degrade
 * @description
 * - States are rebuilt through forced transitions (reason
 *   restored_from_disk), then timestamps are restored verbatim
 * - A corrupt file is renamed to state.yml.backup.<epoch> and an empty
 *   map is returned
 */
func (p *StatePersistence) Load() (map[string]*AppState, error) {
	states := make(map[string]*AppState)

	data, err := os.ReadFile(p.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return states, &PersistenceError{Op: "load", Err: err}
	}

	var snapshot models.PersistedSnapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		p.backupCorrupt()
		logger.Warnf("State file is corrupt, starting fresh: %v", err)
		return states, nil
	}

	for host, persisted := range snapshot.States {
		if !persisted.CurrentState.Valid() {
			logger.Warnf("Skipping %s: unknown state %q", host, persisted.CurrentState)
			continue
		}
		app := NewAppState(host)
		app.history = append(app.history, persisted.History...)
		app.ForceTransitionTo(persisted.CurrentState, "restored_from_disk")
		// Timestamps come back verbatim; the restore transition must not
		// rewrite history the daemon observed before the crash.
		app.stateChangedAt = persisted.StateChangedAt
		if app.current == models.StateStarting && persisted.StartupStartedAt != nil {
			started := *persisted.StartupStartedAt
			app.startupStartedAt = &started
		}
		states[host] = app
	}
	return states, nil
}

func (p *StatePersistence) backupCorrupt() {
	backup := fmt.Sprintf("%s.backup.%d", p.statePath(), p.now().Unix())
	if err := os.Rename(p.statePath(), backup); err != nil {
		logger.Errorf("Failed to move corrupt state file aside: %v", err)
		return
	}
	logger.Infof("Corrupt state file moved to %s", backup)
}

// CleanupBackups deletes the oldest corrupt-state backups beyond keep.
func (p *StatePersistence) CleanupBackups(keep int) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return &PersistenceError{Op: "cleanup", Err: err}
	}
	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), stateFileName+".backup.") {
			backups = append(backups, entry.Name())
		}
	}
	// Backup names embed the epoch, so lexical order is age order.
	sort.Strings(backups)
	if len(backups) <= keep {
		return nil
	}
	for _, name := range backups[:len(backups)-keep] {
		if err := os.Remove(filepath.Join(p.dir, name)); err != nil {
			logger.Warnf("Failed to remove old backup %s: %v", name, err)
		}
	}
	return nil
}
