package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmux/taskmux/apperr"
	"github.com/taskmux/taskmux/cmd"
	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/task"
	"github.com/taskmux/taskmux/worker/tmux"
)

// maxQuickAccessKey bounds the 1..9 quick-access keyboard shortcuts.
const maxQuickAccessKey = 9

// Config holds the manager's tunables.
type Config struct {
	MaxWorkers     int
	OutputRingSize int
	SpawnTimeout   time.Duration
	DefaultProgram string
	WorkDir        string

	// ForceProcess skips the multiplexer even when tmux is installed.
	ForceProcess bool
}

// Namer generates descriptive worker names.
type Namer interface {
	GenerateName(typ task.Type, hint string) (string, error)
}

// Callbacks are invoked by the manager on worker lifecycle transitions. They
// run without the manager lock held, so they may call back into the manager.
type Callbacks struct {
	// OnUpdate fires whenever a worker's snapshot changes.
	OnUpdate func(Snapshot)
	// OnOutput fires per new output line.
	OnOutput func(workerID, workerName, line string)
	// OnExit fires when a worker's session or process dies on its own.
	OnExit func(Snapshot)
}

// SpawnOptions configures one Spawn call.
type SpawnOptions struct {
	Type         task.Type
	Capabilities []string
	// Program overrides Config.DefaultProgram for this worker.
	Program string
	// NameHint seeds the descriptive name generator.
	NameHint string
}

type attachFactory func(name, program, workDir string, onLine func(string)) (attachment, error)

// Manager owns every worker record. All state transitions happen under its
// lock; attachments are driven outside the lock since they shell out.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	cmdExec cmd.Executor
	namer   Namer
	cb      Callbacks

	workers map[string]*worker
	order   []string
	// names maps lowercased live worker names to ids. Stopped workers drop
	// out so their names and keys can be reused.
	names map[string]string
	keys  [maxQuickAccessKey + 1]string

	attach  attachFactory
	useTmux bool
	now     func() time.Time
}

// NewManager creates a manager. Workers are hosted in tmux sessions when tmux
// is available, otherwise as raw child processes.
func NewManager(cfg Config, cmdExec cmd.Executor, namer Namer, cb Callbacks) *Manager {
	m := &Manager{
		cfg:     cfg,
		cmdExec: cmdExec,
		namer:   namer,
		cb:      cb,
		workers: make(map[string]*worker),
		names:   make(map[string]string),
		useTmux: !cfg.ForceProcess && tmux.IsAvailable(cmdExec),
		now:     time.Now,
	}
	m.attach = m.defaultAttach
	if m.useTmux {
		log.InfoLog.Printf("worker manager: hosting workers in tmux sessions")
	} else {
		log.InfoLog.Printf("worker manager: tmux unavailable, hosting workers as child processes")
	}
	return m
}

func (m *Manager) defaultAttach(name, program, workDir string, onLine func(string)) (attachment, error) {
	if m.useTmux {
		sess := tmux.NewSession(name, program, m.cmdExec)
		if err := sess.Start(workDir); err != nil {
			return nil, err
		}
		return &tmuxAttachment{sess: sess}, nil
	}
	return startProcess(program, workDir, onLine)
}

// Spawn creates a new worker and waits for its session or process to come up.
func (m *Manager) Spawn(opts SpawnOptions) (Snapshot, error) {
	if !task.ValidType(opts.Type) {
		return Snapshot{}, apperr.New(apperr.NotFound, "unknown worker type %q", opts.Type)
	}

	program := opts.Program
	if program == "" {
		program = m.cfg.DefaultProgram
	}

	name, err := m.namer.GenerateName(opts.Type, opts.NameHint)
	if err != nil || name == "" {
		// Name generation is best effort; fall back to the type.
		name = string(opts.Type) + "-worker"
	}

	m.mu.Lock()
	if m.liveCountLocked() >= m.cfg.MaxWorkers {
		m.mu.Unlock()
		return Snapshot{}, apperr.New(apperr.Cap, "worker cap reached (%d)", m.cfg.MaxWorkers)
	}
	name = m.dedupeNameLocked(name)
	key := m.allocKeyLocked()

	now := m.now()
	w := &worker{
		snap: Snapshot{
			ID:              uuid.NewString(),
			DescriptiveName: name,
			QuickAccessKey:  key,
			Type:            opts.Type,
			Capabilities:    append([]string(nil), opts.Capabilities...),
			Status:          StatusSpawning,
			StartTime:       now,
			LastActive:      now,
		},
		ring: NewOutputRing(m.cfg.OutputRingSize),
	}
	m.workers[w.snap.ID] = w
	m.order = append(m.order, w.snap.ID)
	m.names[strings.ToLower(name)] = w.snap.ID
	if key > 0 {
		m.keys[key] = w.snap.ID
	}
	m.mu.Unlock()

	onLine := func(line string) {
		w.ring.Append(line)
		if m.cb.OnOutput != nil {
			m.cb.OnOutput(w.snap.ID, name, line)
		}
	}

	type attachResult struct {
		att attachment
		err error
	}
	resultCh := make(chan attachResult, 1)
	go func() {
		att, err := m.attach(name, program, m.cfg.WorkDir, onLine)
		resultCh <- attachResult{att, err}
	}()

	var att attachment
	select {
	case res := <-resultCh:
		if res.err != nil {
			m.failSpawn(w, fmt.Sprintf("spawn failed: %v", res.err))
			return Snapshot{}, apperr.Wrap(apperr.SpawnTimeout, res.err, "spawning worker %s", name)
		}
		att = res.att
	case <-time.After(m.cfg.SpawnTimeout):
		// The factory may still complete; tear its attachment down when it
		// does so nothing leaks.
		go func() {
			if res := <-resultCh; res.att != nil {
				_ = res.att.Close()
			}
		}()
		m.failSpawn(w, "spawn timed out")
		return Snapshot{}, apperr.New(apperr.SpawnTimeout, "worker %s did not come up within %s", name, m.cfg.SpawnTimeout)
	}

	m.mu.Lock()
	w.att = att
	w.snap.Status = StatusRunning
	w.snap.LastActive = m.now()
	conn := att.Connection()
	w.snap.MultiplexerSession = conn.SessionName
	if pid, err := att.PID(); err == nil {
		w.snap.PID = pid
	}
	snap := w.snap
	m.mu.Unlock()

	log.InfoLog.Printf("spawned worker %s (%s) id=%s key=%d", name, opts.Type, snap.ID, key)
	m.emitUpdate(snap)
	return snap, nil
}

// failSpawn marks a worker record failed and releases its live indexes.
func (m *Manager) failSpawn(w *worker, reason string) {
	m.mu.Lock()
	w.snap.Status = StatusError
	m.releaseIndexesLocked(w)
	snap := w.snap
	m.mu.Unlock()
	log.ErrorLog.Printf("worker %s: %s", snap.DescriptiveName, reason)
	m.emitUpdate(snap)
}

// AssignTask sends the rendered command to an idle running worker.
func (m *Manager) AssignTask(workerID, taskID, command string) (Snapshot, error) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, apperr.New(apperr.NotFound, "worker %s not found", workerID)
	}
	if w.snap.Status != StatusRunning || w.snap.CurrentTask != "" {
		status, cur := w.snap.Status, w.snap.CurrentTask
		m.mu.Unlock()
		return Snapshot{}, apperr.New(apperr.Busy, "worker %s is %s (task %q)", workerID, status, cur)
	}
	att := w.att
	m.mu.Unlock()

	if err := att.Send(command); err != nil {
		return Snapshot{}, apperr.Wrap(apperr.DispatchFailed, err, "dispatching task %s to worker %s", taskID, workerID)
	}

	m.mu.Lock()
	w.snap.CurrentTask = taskID
	w.snap.LastActive = m.now()
	snap := w.snap
	m.mu.Unlock()
	m.emitUpdate(snap)
	return snap, nil
}

// ClearTask marks a worker idle again after its task finishes.
func (m *Manager) ClearTask(workerID string) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.snap.CurrentTask = ""
	w.snap.LastActive = m.now()
	snap := w.snap
	m.mu.Unlock()
	m.emitUpdate(snap)
}

// Send types raw input into a worker.
func (m *Manager) Send(ref, input string) error {
	m.mu.Lock()
	w, err := m.resolveLocked(ref)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if w.att == nil || w.snap.Status.Terminal() {
		m.mu.Unlock()
		return apperr.New(apperr.Busy, "worker %s is %s", w.snap.ID, w.snap.Status)
	}
	att := w.att
	m.mu.Unlock()
	return att.Send(input)
}

// Pause suspends a running worker. Only running workers can be paused.
func (m *Manager) Pause(ref string) (Snapshot, error) {
	return m.transition(ref, StatusRunning, StatusPaused, attachment.Pause)
}

// Resume continues a paused worker. Only paused workers can be resumed.
func (m *Manager) Resume(ref string) (Snapshot, error) {
	return m.transition(ref, StatusPaused, StatusRunning, attachment.Resume)
}

func (m *Manager) transition(ref string, from, to Status, op func(attachment) error) (Snapshot, error) {
	m.mu.Lock()
	w, err := m.resolveLocked(ref)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	if w.snap.Status != from || w.att == nil {
		status := w.snap.Status
		m.mu.Unlock()
		return Snapshot{}, apperr.New(apperr.Busy, "worker %s is %s, expected %s", w.snap.ID, status, from)
	}
	att := w.att
	m.mu.Unlock()

	if err := op(att); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	w.snap.Status = to
	w.snap.LastActive = m.now()
	snap := w.snap
	m.mu.Unlock()
	m.emitUpdate(snap)
	return snap, nil
}

// Stop tears a worker down. The record is kept, with its status terminal, so
// session history survives; its name and quick-access key are freed.
func (m *Manager) Stop(ref string) (Snapshot, error) {
	m.mu.Lock()
	w, err := m.resolveLocked(ref)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	if w.snap.Status.Terminal() {
		snap := w.snap
		m.mu.Unlock()
		return snap, nil
	}
	att := w.att
	w.snap.Status = StatusStopped
	w.snap.CurrentTask = ""
	w.snap.LastActive = m.now()
	m.releaseIndexesLocked(w)
	snap := w.snap
	m.mu.Unlock()

	if att != nil {
		if err := att.Close(); err != nil {
			log.WarningLog.Printf("error closing worker %s: %v", snap.ID, err)
		}
	}
	m.emitUpdate(snap)
	return snap, nil
}

// StopAll tears down every live worker.
func (m *Manager) StopAll() {
	for _, snap := range m.List() {
		if !snap.Status.Terminal() {
			if _, err := m.Stop(snap.ID); err != nil {
				log.WarningLog.Printf("error stopping worker %s: %v", snap.ID, err)
			}
		}
	}
}

// Get resolves a worker by id, exact name, or substring and returns its
// snapshot.
func (m *Manager) Get(ref string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.resolveLocked(ref)
	if err != nil {
		return Snapshot{}, err
	}
	return w.snap, nil
}

// GetConnection describes how to attach to a worker directly.
func (m *Manager) GetConnection(ref string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.resolveLocked(ref)
	if err != nil {
		return Connection{}, err
	}
	if w.att == nil {
		return Connection{}, apperr.New(apperr.Busy, "worker %s has no live session", w.snap.ID)
	}
	return w.att.Connection(), nil
}

// List returns snapshots in spawn order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.workers[id].snap)
	}
	return out
}

// Output returns a worker's buffered output lines, oldest first.
func (m *Manager) Output(ref string) ([]string, error) {
	m.mu.Lock()
	w, err := m.resolveLocked(ref)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.ring.Lines(), nil
}

// LiveCount returns the number of non-terminal workers.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

// Idle returns running workers with no current task whose type and
// capabilities match, sorted by CPU usage ascending so the least loaded
// worker is picked first.
func (m *Manager) Idle(typ task.Type, capabilities []string) []Snapshot {
	m.mu.Lock()
	var out []Snapshot
	for _, id := range m.order {
		w := m.workers[id]
		if w.snap.Status != StatusRunning || w.snap.CurrentTask != "" {
			continue
		}
		if typ != "" && w.snap.Type != typ {
			continue
		}
		if !hasCapabilities(w.snap.Capabilities, capabilities) {
			continue
		}
		out = append(out, w.snap)
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Resources.CPUPercent < out[j].Resources.CPUPercent
	})
	return out
}

func hasCapabilities(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Adopt restores a worker record from persisted state. The session or process
// behind it is gone, so the record is terminal and takes no live indexes.
func (m *Manager) Adopt(snap Snapshot) {
	if !snap.Status.Terminal() {
		snap.Status = StatusStopped
	}
	snap.CurrentTask = ""
	snap.QuickAccessKey = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[snap.ID]; exists {
		return
	}
	m.workers[snap.ID] = &worker{snap: snap, ring: NewOutputRing(m.cfg.OutputRingSize)}
	m.order = append(m.order, snap.ID)
}

// PollOnce sweeps every live worker: detects dead sessions and processes,
// samples resource usage, and drains multiplexer output into the ring.
func (m *Manager) PollOnce() {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		w, ok := m.workers[id]
		if !ok || w.att == nil || w.snap.Status.Terminal() {
			m.mu.Unlock()
			continue
		}
		att := w.att
		name := w.snap.DescriptiveName
		m.mu.Unlock()

		if !att.Alive() {
			m.reapDead(w)
			continue
		}

		if src, ok := att.(outputSource); ok {
			lines, err := src.NewOutputLines()
			if err != nil {
				log.DebugLog.Printf("output sweep for worker %s: %v", id, err)
			}
			for _, line := range lines {
				w.ring.Append(line)
				if m.cb.OnOutput != nil {
					m.cb.OnOutput(id, name, line)
				}
			}
			if len(lines) > 0 {
				m.mu.Lock()
				w.snap.LastActive = m.now()
				m.mu.Unlock()
			}
		}

		if pid, err := att.PID(); err == nil {
			if res, err := processUsage(m.cmdExec, pid); err == nil {
				m.mu.Lock()
				w.snap.PID = pid
				w.snap.Resources = res
				m.mu.Unlock()
			}
		}
	}
}

// reapDead handles a worker whose session or process vanished underneath us.
func (m *Manager) reapDead(w *worker) {
	m.mu.Lock()
	if w.snap.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	w.snap.Status = StatusStopped
	w.snap.LastActive = m.now()
	m.releaseIndexesLocked(w)
	snap := w.snap
	w.snap.CurrentTask = ""
	att := w.att
	m.mu.Unlock()

	if att != nil {
		_ = att.Close()
	}
	log.WarningLog.Printf("worker %s (%s) exited unexpectedly", snap.DescriptiveName, snap.ID)
	if m.cb.OnExit != nil {
		m.cb.OnExit(snap)
	}
	m.emitUpdate(snap)
}

func (m *Manager) emitUpdate(snap Snapshot) {
	if m.cb.OnUpdate != nil {
		m.cb.OnUpdate(snap)
	}
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, w := range m.workers {
		if !w.snap.Status.Terminal() {
			n++
		}
	}
	return n
}

// dedupeNameLocked suffixes the name until no live worker holds it.
func (m *Manager) dedupeNameLocked(name string) string {
	if _, taken := m.names[strings.ToLower(name)]; !taken {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if _, taken := m.names[strings.ToLower(candidate)]; !taken {
			return candidate
		}
	}
}

// allocKeyLocked returns the lowest free quick-access key, or 0 when all nine
// are taken.
func (m *Manager) allocKeyLocked() int {
	for k := 1; k <= maxQuickAccessKey; k++ {
		if m.keys[k] == "" {
			return k
		}
	}
	return 0
}

func (m *Manager) releaseIndexesLocked(w *worker) {
	delete(m.names, strings.ToLower(w.snap.DescriptiveName))
	if k := w.snap.QuickAccessKey; k > 0 && m.keys[k] == w.snap.ID {
		m.keys[k] = ""
	}
}

// resolveLocked finds a worker by id, then exact case-insensitive name, then
// first substring match in spawn order. Lookup order is fixed so the same ref
// always resolves to the same worker.
func (m *Manager) resolveLocked(ref string) (*worker, error) {
	if w, ok := m.workers[ref]; ok {
		return w, nil
	}
	if id, ok := m.names[strings.ToLower(ref)]; ok {
		return m.workers[id], nil
	}
	lower := strings.ToLower(ref)
	for _, id := range m.order {
		w := m.workers[id]
		if w.snap.Status.Terminal() {
			continue
		}
		if strings.Contains(strings.ToLower(w.snap.DescriptiveName), lower) {
			return w, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "worker %q not found", ref)
}

// ByQuickKey resolves the worker bound to quick-access key k.
func (m *Manager) ByQuickKey(k int) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k < 1 || k > maxQuickAccessKey || m.keys[k] == "" {
		return Snapshot{}, apperr.New(apperr.NotFound, "no worker on key %d", k)
	}
	return m.workers[m.keys[k]].snap, nil
}
