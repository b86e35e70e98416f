package orchestrator

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/apperr"
	"github.com/taskmux/taskmux/cmd"
	"github.com/taskmux/taskmux/config"
	"github.com/taskmux/taskmux/render"
	"github.com/taskmux/taskmux/task"
	"github.com/taskmux/taskmux/worker"
)

type countingNamer struct{ n int }

func (c *countingNamer) GenerateName(typ task.Type, hint string) (string, error) {
	c.n++
	return fmt.Sprintf("%s-%d", typ, c.n), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:            t.TempDir(),
		RPCPort:            0,
		MaxWorkers:         8,
		MaxConcurrentTasks: 4,
		AutosaveInterval:   time.Minute,
		TickInterval:       time.Second,
		PollInterval:       time.Second,
		SpawnTimeout:       10 * time.Second,
		OutputRingSize:     100,
		MaxCPUPercent:      400,
		MaxMemoryMB:        16384,
		DefaultProgram:     "sleep 300",
		ExclusiveServices:  []string{"mysql", "postgres", "sqlite"},
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	o, err := New(cfg, Options{
		Renderer: render.Func(func(tk task.Task) (string, error) {
			return "work on " + tk.ID, nil
		}),
		Namer:        &countingNamer{},
		CmdExec:      cmd.MakeExecutor(),
		ForceProcess: true,
	})
	require.NoError(t, err)
	t.Cleanup(o.Shutdown)
	return o
}

func submit(t *testing.T, o *Orchestrator, typ task.Type, desc string, deps ...string) task.Task {
	t.Helper()
	tk := task.New(typ, desc)
	tk.Dependencies = deps
	added, _, err := o.SubmitTask(tk)
	require.NoError(t, err)
	return added
}

func TestSubmitTaskRejectsCycle(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	tk := task.New(task.TypeCode, "self-referential")
	tk.Dependencies = []string{tk.ID}
	_, _, err := o.SubmitTask(tk)
	require.Error(t, err)
	require.Equal(t, apperr.Cycle, apperr.KindOf(err))
}

func TestSubmitTaskRejectsUnknownType(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, _, err := o.SubmitTask(task.New(task.Type("juggling"), "x"))
	require.Error(t, err)
}

func TestTickDispatchesExecutableTask(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	tk := submit(t, o, task.TypeCode, "build the widget")

	o.Tick()

	got, err := o.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status)
	require.NotEmpty(t, got.AssignedWorker)
	require.Equal(t, "work on "+tk.ID, got.RenderedCommand)

	workers := o.ListWorkers()
	require.Len(t, workers, 1)
	require.Equal(t, tk.ID, workers[0].CurrentTask)
	require.Equal(t, worker.StatusRunning, workers[0].Status)
}

func TestTickRespectsDependencies(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := submit(t, o, task.TypeCode, "build the base")
	b := submit(t, o, task.TypeCode, "build on top", a.ID)

	o.Tick()
	got, _ := o.GetTask(b.ID)
	require.Equal(t, task.StatusPending, got.Status)

	require.NoError(t, o.CompleteTask(a.ID, true, ""))
	o.Tick()

	got, _ = o.GetTask(b.ID)
	require.Equal(t, task.StatusRunning, got.Status)
}

func TestCompleteTaskFreesWorkerForReuse(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := submit(t, o, task.TypeCode, "first job")
	o.Tick()
	first, _ := o.GetTask(a.ID)

	require.NoError(t, o.CompleteTask(a.ID, true, ""))

	b := submit(t, o, task.TypeCode, "second job")
	o.Tick()
	second, _ := o.GetTask(b.ID)

	require.Equal(t, task.StatusRunning, second.Status)
	require.Equal(t, first.AssignedWorker, second.AssignedWorker)
	require.Len(t, o.ListWorkers(), 1)
}

func TestFailureCascadesToBlockedDependents(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := submit(t, o, task.TypeCode, "foundation")
	b := submit(t, o, task.TypeCode, "dependent", a.ID)
	o.Tick()

	require.NoError(t, o.CompleteTask(a.ID, false, "it broke"))

	got, _ := o.GetTask(a.ID)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, "it broke", got.Error)

	got, _ = o.GetTask(b.ID)
	require.Equal(t, task.StatusBlocked, got.Status)

	// The blocked task is never dispatched.
	o.Tick()
	got, _ = o.GetTask(b.ID)
	require.Equal(t, task.StatusBlocked, got.Status)
}

func TestPortConflictHoldsSecondTask(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	a := task.New(task.TypeCode, "serve the api")
	a.Parameters.Ports = []int{8080}
	_, _, err := o.SubmitTask(a)
	require.NoError(t, err)

	b := task.New(task.TypeCode, "serve the admin panel")
	b.Parameters.Ports = []int{8080}
	_, _, err = o.SubmitTask(b)
	require.NoError(t, err)

	o.Tick()
	gotA, _ := o.GetTask(a.ID)
	gotB, _ := o.GetTask(b.ID)
	require.Equal(t, task.StatusRunning, gotA.Status)
	require.Equal(t, task.StatusPending, gotB.Status)

	// Releasing the port lets the held task through.
	require.NoError(t, o.CompleteTask(a.ID, true, ""))
	o.Tick()
	gotB, _ = o.GetTask(b.ID)
	require.Equal(t, task.StatusRunning, gotB.Status)
}

func TestConcurrencyLimitThrottlesDispatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentTasks = 2
	o := newTestOrchestrator(t, cfg)

	for i := 0; i < 3; i++ {
		submit(t, o, task.TypeCode, fmt.Sprintf("job %d", i))
	}
	o.Tick()

	counters := o.TaskCounters()
	require.Equal(t, 2, counters.Running)
	require.Equal(t, 1, counters.Pending)
}

func TestDeadlineExpiryFailsTask(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	tk := task.New(task.TypeCode, "too slow")
	deadline := time.Now().Add(50 * time.Millisecond)
	tk.Deadline = &deadline
	_, _, err := o.SubmitTask(tk)
	require.NoError(t, err)

	o.Tick()
	got, _ := o.GetTask(tk.ID)
	require.Equal(t, task.StatusRunning, got.Status)

	time.Sleep(60 * time.Millisecond)
	o.enforceDeadlines()

	got, _ = o.GetTask(tk.ID)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, "Deadline", got.Error)

	w, err := o.GetWorker(got.AssignedWorker)
	require.NoError(t, err)
	require.Equal(t, worker.StatusStopped, w.Status)
}

func TestEventsFlowThroughBus(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	sub := o.Bus().Subscribe(64)
	defer sub.Close()

	tk := submit(t, o, task.TypeCode, "observable work")
	o.Tick()
	require.NoError(t, o.CompleteTask(tk.ID, true, ""))

	var methods []string
	deadline := time.After(2 * time.Second)
	for !slices.Contains(methods, "task.completed") {
		select {
		case e := <-sub.Events():
			methods = append(methods, e.Method())
		case <-deadline:
			t.Fatalf("timed out, saw %v", methods)
		}
	}
	require.Contains(t, methods, "task.update")
	require.Contains(t, methods, "worker.update")
	require.Contains(t, methods, "task.completed")
}

func TestRestartRehydratesSession(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg)
	sessionID := o.GetSessionData().ID

	done := submit(t, o, task.TypeCode, "finished before restart")
	running := submit(t, o, task.TypeCode, "interrupted by restart")
	o.Tick()
	require.NoError(t, o.CompleteTask(done.ID, true, ""))
	rt, _ := o.GetTask(running.ID)
	require.Equal(t, task.StatusRunning, rt.Status)
	o.Shutdown()

	restarted := newTestOrchestrator(t, cfg)
	s := restarted.GetSessionData()
	require.Equal(t, sessionID, s.ID)

	got, err := restarted.GetTask(done.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)

	// The interrupted task came back as pending with no stale assignment.
	got, err = restarted.GetTask(running.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
	require.Empty(t, got.AssignedWorker)
}

func TestInitialStateEvent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	submit(t, o, task.TypeCode, "some work")

	e := o.InitialStateEvent()
	require.Equal(t, "initialState", e.Method())
}

func TestSnapshotRoundTrip(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	tk := submit(t, o, task.TypeResearch, "original state")

	path, err := o.CreateSnapshot("checkpoint")
	require.NoError(t, err)

	require.NoError(t, o.CompleteTask(tk.ID, false, "abandoned"))
	require.NoError(t, o.RestoreSnapshot(path))

	got, err := o.GetTask(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, got.Status)
}

func TestSaveSessionDataMergesMetadata(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	require.NoError(t, o.SaveSessionData(map[string]string{"theme": "dark"}))
	require.Equal(t, "dark", o.GetSessionData().Metadata["theme"])
}
