package worker

import (
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/apperr"
	"github.com/taskmux/taskmux/cmd/cmdtest"
	"github.com/taskmux/taskmux/task"
)

type fakeAttachment struct {
	mu      sync.Mutex
	sent    []string
	paused  bool
	alive   bool
	closed  bool
	pending []string
}

func newFakeAttachment() *fakeAttachment {
	return &fakeAttachment{alive: true}
}

func (f *fakeAttachment) Kind() string { return "process" }

func (f *fakeAttachment) Send(input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, input)
	return nil
}

func (f *fakeAttachment) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *fakeAttachment) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *fakeAttachment) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeAttachment) PID() (int, error) { return 4242, nil }

func (f *fakeAttachment) Connection() Connection {
	return Connection{Type: "process", PID: 4242}
}

func (f *fakeAttachment) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

func (f *fakeAttachment) NewOutputLines() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.pending
	f.pending = nil
	return lines, nil
}

type seqNamer struct {
	n int
}

func (s *seqNamer) GenerateName(typ task.Type, hint string) (string, error) {
	s.n++
	return fmt.Sprintf("%s-%d", typ, s.n), nil
}

type fixedNamer struct{ name string }

func (f fixedNamer) GenerateName(task.Type, string) (string, error) { return f.name, nil }

func newTestManager(t *testing.T, cfg Config, namer Namer, cb Callbacks) (*Manager, map[string]*fakeAttachment) {
	t.Helper()
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.OutputRingSize == 0 {
		cfg.OutputRingSize = 100
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = time.Second
	}
	cfg.ForceProcess = true
	if namer == nil {
		namer = &seqNamer{}
	}

	cmdExec := cmdtest.MockCmdExec{
		RunFunc:    func(c *exec.Cmd) error { return nil },
		OutputFunc: func(c *exec.Cmd) ([]byte, error) { return nil, fmt.Errorf("no output") },
	}

	attachments := make(map[string]*fakeAttachment)
	var mu sync.Mutex
	m := NewManager(cfg, cmdExec, namer, cb)
	m.attach = func(name, program, workDir string, onLine func(string)) (attachment, error) {
		att := newFakeAttachment()
		mu.Lock()
		attachments[name] = att
		mu.Unlock()
		return att, nil
	}
	return m, attachments
}

func TestSpawnAssignsQuickKeysAndNames(t *testing.T) {
	m, _ := newTestManager(t, Config{}, &seqNamer{}, Callbacks{})

	first, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	require.Equal(t, "code-1", first.DescriptiveName)
	require.Equal(t, 1, first.QuickAccessKey)
	require.Equal(t, StatusRunning, first.Status)
	require.Equal(t, 4242, first.PID)

	second, err := m.Spawn(SpawnOptions{Type: task.TypeTest})
	require.NoError(t, err)
	require.Equal(t, 2, second.QuickAccessKey)

	got, err := m.ByQuickKey(1)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
}

func TestSpawnDedupesNamesCaseInsensitively(t *testing.T) {
	m, _ := newTestManager(t, Config{}, fixedNamer{name: "Alpha"}, Callbacks{})

	a, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	require.Equal(t, "Alpha", a.DescriptiveName)

	b, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	require.Equal(t, "Alpha-2", b.DescriptiveName)
}

func TestSpawnRespectsWorkerCap(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxWorkers: 2}, nil, Callbacks{})

	_, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	_, err = m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)

	_, err = m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.Error(t, err)
	require.Equal(t, apperr.Cap, apperr.KindOf(err))

	// Stopping one frees a slot.
	workers := m.List()
	_, err = m.Stop(workers[0].ID)
	require.NoError(t, err)
	_, err = m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
}

func TestSpawnTimeoutMarksErrorAndFreesKey(t *testing.T) {
	m, _ := newTestManager(t, Config{SpawnTimeout: 20 * time.Millisecond}, nil, Callbacks{})
	release := make(chan struct{})
	m.attach = func(name, program, workDir string, onLine func(string)) (attachment, error) {
		<-release
		return newFakeAttachment(), nil
	}

	_, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.Error(t, err)
	require.Equal(t, apperr.SpawnTimeout, apperr.KindOf(err))
	close(release)

	workers := m.List()
	require.Len(t, workers, 1)
	require.Equal(t, StatusError, workers[0].Status)

	// The failed worker released its quick key.
	m.attach = func(name, program, workDir string, onLine func(string)) (attachment, error) {
		return newFakeAttachment(), nil
	}
	snap, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	require.Equal(t, 1, snap.QuickAccessKey)
}

func TestSpawnRejectsUnknownType(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil, Callbacks{})
	_, err := m.Spawn(SpawnOptions{Type: task.Type("juggling")})
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAssignTaskSendsCommandAndMarksBusy(t *testing.T) {
	m, attachments := newTestManager(t, Config{}, fixedNamer{name: "alpha"}, Callbacks{})
	w, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)

	snap, err := m.AssignTask(w.ID, "task-1", "run the thing")
	require.NoError(t, err)
	require.Equal(t, "task-1", snap.CurrentTask)
	require.Equal(t, []string{"run the thing"}, attachments["alpha"].sent)

	// A busy worker rejects a second assignment.
	_, err = m.AssignTask(w.ID, "task-2", "another")
	require.Error(t, err)
	require.Equal(t, apperr.Busy, apperr.KindOf(err))

	m.ClearTask(w.ID)
	_, err = m.AssignTask(w.ID, "task-2", "another")
	require.NoError(t, err)
}

func TestAssignTaskUnknownWorker(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil, Callbacks{})
	_, err := m.AssignTask("nope", "t", "cmd")
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestPauseResumeTransitions(t *testing.T) {
	m, attachments := newTestManager(t, Config{}, fixedNamer{name: "alpha"}, Callbacks{})
	w, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)

	snap, err := m.Pause(w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, snap.Status)
	require.True(t, attachments["alpha"].paused)

	// Pausing a paused worker is rejected.
	_, err = m.Pause(w.ID)
	require.Error(t, err)
	require.Equal(t, apperr.Busy, apperr.KindOf(err))

	snap, err = m.Resume(w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, snap.Status)
	require.False(t, attachments["alpha"].paused)

	// Resuming a running worker is rejected.
	_, err = m.Resume(w.ID)
	require.Error(t, err)
	require.Equal(t, apperr.Busy, apperr.KindOf(err))
}

func TestStopKeepsRecordAndFreesIndexes(t *testing.T) {
	m, attachments := newTestManager(t, Config{}, fixedNamer{name: "alpha"}, Callbacks{})
	w, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)

	snap, err := m.Stop(w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, snap.Status)
	require.True(t, attachments["alpha"].closed)
	require.Equal(t, 0, m.LiveCount())

	// The record survives by id, but the name is free for reuse.
	got, err := m.Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, got.Status)

	again, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	require.Equal(t, "alpha", again.DescriptiveName)
	require.Equal(t, 1, again.QuickAccessKey)
}

func TestResolveOrder(t *testing.T) {
	namer := &seqNamer{}
	m, _ := newTestManager(t, Config{}, namer, Callbacks{})

	a, err := m.Spawn(SpawnOptions{Type: task.TypeCode}) // code-1
	require.NoError(t, err)
	b, err := m.Spawn(SpawnOptions{Type: task.TypeCode}) // code-2
	require.NoError(t, err)

	// Exact id wins.
	got, err := m.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	// Exact name, case-insensitive.
	got, err = m.Get("CODE-2")
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	// Substring resolves to the earliest spawned match.
	got, err = m.Get("code")
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	_, err = m.Get("zzz")
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestIdleFiltersAndSortsByCPU(t *testing.T) {
	m, _ := newTestManager(t, Config{}, &seqNamer{}, Callbacks{})

	a, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	b, err := m.Spawn(SpawnOptions{Type: task.TypeCode, Capabilities: []string{"python", "docker"}})
	require.NoError(t, err)
	c, err := m.Spawn(SpawnOptions{Type: task.TypeTest})
	require.NoError(t, err)

	m.mu.Lock()
	m.workers[a.ID].snap.Resources.CPUPercent = 40
	m.workers[b.ID].snap.Resources.CPUPercent = 5
	m.mu.Unlock()

	idle := m.Idle(task.TypeCode, nil)
	require.Len(t, idle, 2)
	require.Equal(t, b.ID, idle[0].ID)
	require.Equal(t, a.ID, idle[1].ID)

	idle = m.Idle(task.TypeCode, []string{"docker"})
	require.Len(t, idle, 1)
	require.Equal(t, b.ID, idle[0].ID)

	// A busy worker is not idle.
	_, err = m.AssignTask(b.ID, "t1", "go")
	require.NoError(t, err)
	idle = m.Idle(task.TypeCode, nil)
	require.Len(t, idle, 1)
	require.Equal(t, a.ID, idle[0].ID)

	idle = m.Idle(task.TypeTest, nil)
	require.Len(t, idle, 1)
	require.Equal(t, c.ID, idle[0].ID)
}

func TestPollOnceReapsDeadWorkers(t *testing.T) {
	var exited []Snapshot
	m, attachments := newTestManager(t, Config{}, fixedNamer{name: "alpha"}, Callbacks{
		OnExit: func(s Snapshot) { exited = append(exited, s) },
	})
	w, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)
	_, err = m.AssignTask(w.ID, "task-9", "work")
	require.NoError(t, err)

	att := attachments["alpha"]
	att.mu.Lock()
	att.alive = false
	att.mu.Unlock()

	m.PollOnce()

	got, err := m.Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, got.Status)
	require.Len(t, exited, 1)
	require.Equal(t, "task-9", exited[0].CurrentTask)
}

func TestPollOnceSweepsOutputIntoRing(t *testing.T) {
	var streamed []string
	m, attachments := newTestManager(t, Config{}, fixedNamer{name: "alpha"}, Callbacks{
		OnOutput: func(id, name, line string) { streamed = append(streamed, line) },
	})
	w, err := m.Spawn(SpawnOptions{Type: task.TypeCode})
	require.NoError(t, err)

	att := attachments["alpha"]
	att.mu.Lock()
	att.pending = []string{"one", "two"}
	att.mu.Unlock()

	m.PollOnce()

	lines, err := m.Output(w.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, lines)
	require.Equal(t, []string{"one", "two"}, streamed)
}

func TestAdoptRestoresStoppedRecord(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil, Callbacks{})
	m.Adopt(Snapshot{
		ID:              "restored-1",
		DescriptiveName: "old-hand",
		QuickAccessKey:  3,
		Type:            task.TypeCode,
		Status:          StatusRunning,
		CurrentTask:     "stale",
	})

	got, err := m.Get("restored-1")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, got.Status)
	require.Empty(t, got.CurrentTask)
	require.Zero(t, got.QuickAccessKey)
	require.Equal(t, 0, m.LiveCount())

	// Adopted records never shadow live quick keys.
	_, err = m.ByQuickKey(3)
	require.Error(t, err)
}
