// Package state persists the session (tasks, workers, metadata) to a single
// JSON snapshot file with atomic writes, periodic autosave, and named
// snapshots for manual rollback.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmux/taskmux/apperr"
	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/task"
	"github.com/taskmux/taskmux/worker"
)

// Version is the snapshot format version. A mismatch on load aborts instead
// of migrating silently.
const Version = "1.0.0"

// Session is everything worth surviving a restart.
type Session struct {
	ID         string            `json:"id"`
	StartTime  time.Time         `json:"startTime"`
	LastUpdate time.Time         `json:"lastUpdate"`
	Tasks      []task.Task       `json:"tasks"`
	Workers    []worker.Snapshot `json:"workers"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Snapshot is the on-disk envelope around a session.
type Snapshot struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Session   Session   `json:"session"`
}

// Callbacks fire after save attempts. They run without the manager lock.
type Callbacks struct {
	OnSaved     func(path string, at time.Time)
	OnSaveError func(err error, at time.Time)
}

// Manager owns the snapshot file. In-memory state is primary; disk writes are
// best effort until shutdown.
type Manager struct {
	mu      sync.Mutex
	path    string
	snapDir string
	session Session
	dirty   bool
	cb      Callbacks
	now     func() time.Time
}

// NewManager loads the snapshot at path if one exists, otherwise starts a
// fresh session. Parent and snapshot directories are created.
func NewManager(path string, cb Callbacks) (*Manager, error) {
	dir := filepath.Dir(path)
	snapDir := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directories: %w", err)
	}

	m := &Manager{path: path, snapDir: snapDir, cb: cb, now: time.Now}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		session, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		m.session = session
		log.InfoLog.Printf("loaded session %s: %d tasks, %d workers", session.ID, len(session.Tasks), len(session.Workers))
	case os.IsNotExist(err):
		now := m.now()
		m.session = Session{
			ID:        uuid.NewString(),
			StartTime: now,
			Metadata:  make(map[string]string),
		}
		m.dirty = true
		log.InfoLog.Printf("starting new session %s", m.session.ID)
	default:
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	return m, nil
}

// decodeSnapshot parses and validates a snapshot, then normalizes it for a
// fresh process: live workers from the previous run are gone, so they become
// stopped and their running tasks return to pending.
func decodeSnapshot(data []byte) (Session, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Session{}, apperr.Wrap(apperr.UnsupportedVersion, err, "corrupt state snapshot")
	}
	if snap.Version != Version {
		return Session{}, apperr.New(apperr.UnsupportedVersion, "state snapshot version %q, want %q", snap.Version, Version)
	}
	return normalize(snap.Session), nil
}

func normalize(s Session) Session {
	for i := range s.Workers {
		if !s.Workers[i].Status.Terminal() {
			s.Workers[i].Status = worker.StatusStopped
		}
		s.Workers[i].CurrentTask = ""
		s.Workers[i].QuickAccessKey = 0
	}
	for i := range s.Tasks {
		if s.Tasks[i].Status == task.StatusRunning {
			s.Tasks[i].Status = task.StatusPending
			s.Tasks[i].AssignedWorker = ""
			s.Tasks[i].AssignedWorkerName = ""
		}
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	return s
}

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

func (m *Manager) copyLocked() Session {
	s := m.session
	s.Tasks = append([]task.Task(nil), m.session.Tasks...)
	s.Workers = append([]worker.Snapshot(nil), m.session.Workers...)
	s.Metadata = make(map[string]string, len(m.session.Metadata))
	for k, v := range m.session.Metadata {
		s.Metadata[k] = v
	}
	return s
}

// Update replaces the persisted task and worker views and marks the session
// dirty for the next autosave.
func (m *Manager) Update(tasks []task.Task, workers []worker.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Tasks = tasks
	m.session.Workers = workers
	m.session.LastUpdate = m.now()
	m.dirty = true
}

// SetMetadata stores one metadata key and marks dirty.
func (m *Manager) SetMetadata(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Metadata[key] = value
	m.session.LastUpdate = m.now()
	m.dirty = true
}

// Dirty reports whether unsaved changes exist.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Save writes the snapshot unconditionally.
func (m *Manager) Save() error {
	m.mu.Lock()
	snap := Snapshot{Version: Version, Timestamp: m.now(), Session: m.copyLocked()}
	m.mu.Unlock()

	if err := writeAtomic(m.path, snap); err != nil {
		if m.cb.OnSaveError != nil {
			m.cb.OnSaveError(err, snap.Timestamp)
		}
		return apperr.Wrap(apperr.StateWriteFailed, err, "saving state")
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	if m.cb.OnSaved != nil {
		m.cb.OnSaved(m.path, snap.Timestamp)
	}
	return nil
}

// SaveIfDirty writes the snapshot only when there are unsaved changes.
func (m *Manager) SaveIfDirty() error {
	if !m.Dirty() {
		return nil
	}
	return m.Save()
}

// writeAtomic serializes to path.tmp then renames over path, so readers never
// observe a half-written snapshot.
func writeAtomic(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// CreateSnapshot writes a named copy under the snapshots directory and
// returns its path. An empty name gets a timestamped one.
func (m *Manager) CreateSnapshot(name string) (string, error) {
	if name == "" {
		name = "snapshot-" + m.now().Format("20060102-150405")
	}
	path := filepath.Join(m.snapDir, name+".json")

	m.mu.Lock()
	snap := Snapshot{Version: Version, Timestamp: m.now(), Session: m.copyLocked()}
	m.mu.Unlock()

	if err := writeAtomic(path, snap); err != nil {
		return "", apperr.Wrap(apperr.StateWriteFailed, err, "creating snapshot %s", name)
	}
	log.InfoLog.Printf("created snapshot %s", path)
	return path, nil
}

// RestoreSnapshot replaces the current session with the one at path. The
// current session is saved as a before_restore snapshot first, so a bad
// restore can itself be rolled back.
func (m *Manager) RestoreSnapshot(path string) error {
	if _, err := m.CreateSnapshot("before_restore"); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, err, "reading snapshot %s", path)
	}
	session, err := decodeSnapshot(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.session = session
	m.dirty = true
	m.mu.Unlock()
	log.InfoLog.Printf("restored snapshot %s (session %s)", path, session.ID)
	return nil
}

// AutosaveLoop saves-if-dirty every interval until ctx is cancelled, then
// does a final flush. Save failures are reported via callbacks and retried
// on the next tick.
func (m *Manager) AutosaveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.SaveIfDirty(); err != nil {
				log.ErrorLog.Printf("final state flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := m.SaveIfDirty(); err != nil {
				log.WarningLog.Printf("autosave failed, will retry: %v", err)
			}
		}
	}
}

// Path returns the snapshot file path.
func (m *Manager) Path() string { return m.path }

// SnapshotsDir returns the named-snapshot directory.
func (m *Manager) SnapshotsDir() string { return m.snapDir }
