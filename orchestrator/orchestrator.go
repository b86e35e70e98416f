// Package orchestrator owns the task graph, scheduler, conflict detector,
// worker manager, and state manager, and runs the dispatch tick that moves
// tasks from pending to running workers.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/taskmux/taskmux/cmd"
	"github.com/taskmux/taskmux/config"
	"github.com/taskmux/taskmux/conflict"
	"github.com/taskmux/taskmux/events"
	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/render"
	"github.com/taskmux/taskmux/scheduler"
	"github.com/taskmux/taskmux/state"
	"github.com/taskmux/taskmux/task"
	"github.com/taskmux/taskmux/worker"
)

// Orchestrator wires the subsystems together. Cross-subsystem operations
// take the dispatch lock; within it subsystems are always touched in the
// order task graph, worker manager, conflict detector, state manager.
type Orchestrator struct {
	// mu serializes the dispatch tick with API mutations.
	mu sync.Mutex

	cfg       *config.Config
	graph     *task.Graph
	workers   *worker.Manager
	conflicts *conflict.Detector
	sched     *scheduler.Scheduler
	st        *state.Manager
	bus       *events.Bus
	renderer  render.Renderer

	// startTimes tracks dispatch time per running task for learning samples.
	startTimes map[string]time.Time
	// peaks tracks the highest observed worker resources per running task.
	peaks map[string]worker.Resources

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// Options carries the injectable collaborators.
type Options struct {
	Renderer render.Renderer
	Namer    worker.Namer
	CmdExec  cmd.Executor
	// ForceProcess skips tmux even when available.
	ForceProcess bool
}

// New builds the orchestrator, loading persisted state and rehydrating the
// task graph and worker records from it.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	bus := events.NewBus()

	st, err := state.NewManager(cfg.StatePath(), state.Callbacks{
		OnSaved: func(path string, at time.Time) {
			bus.Publish(events.StateSaved{Path: path, At: at})
		},
		OnSaveError: func(err error, at time.Time) {
			bus.Publish(events.SaveError{Error: err.Error(), At: at})
		},
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:   cfg,
		graph: task.NewGraph(),
		conflicts: conflict.NewDetector(conflict.Limits{
			MaxCPUPercent: cfg.MaxCPUPercent,
			MaxMemoryMB:   cfg.MaxMemoryMB,
		}, cfg),
		sched: scheduler.New(scheduler.Limits{
			MaxCPUPercent:      cfg.MaxCPUPercent,
			MaxMemoryMB:        cfg.MaxMemoryMB,
			MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		}),
		st:         st,
		bus:        bus,
		renderer:   opts.Renderer,
		startTimes: make(map[string]time.Time),
		peaks:      make(map[string]worker.Resources),
		now:        time.Now,
	}
	o.conflicts.SetEstimator(o.sched.EstimateFor)

	o.workers = worker.NewManager(worker.Config{
		MaxWorkers:     cfg.MaxWorkers,
		OutputRingSize: cfg.OutputRingSize,
		SpawnTimeout:   cfg.SpawnTimeout,
		DefaultProgram: cfg.DefaultProgram,
		WorkDir:        cfg.DataDir,
		ForceProcess:   opts.ForceProcess,
	}, opts.CmdExec, opts.Namer, worker.Callbacks{
		OnUpdate: func(s worker.Snapshot) {
			bus.Publish(events.WorkerUpdate{Worker: s})
		},
		OnOutput: func(id, name, line string) {
			bus.Publish(events.WorkerOutput{WorkerID: id, WorkerName: name, Line: line})
		},
		OnExit: o.handleWorkerExit,
	})

	o.rehydrate(st.Session())
	return o, nil
}

// rehydrate loads persisted tasks and worker records. The state manager has
// already returned running tasks to pending and live workers to stopped.
func (o *Orchestrator) rehydrate(s state.Session) {
	for i := range s.Tasks {
		t := s.Tasks[i]
		if err := o.graph.Add(&t); err != nil {
			log.WarningLog.Printf("dropping persisted task %s: %v", t.ID, err)
		}
	}
	for _, w := range s.Workers {
		o.workers.Adopt(w)
	}
}

// Bus exposes the event bus, for the RPC hub and in-process subscribers.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Run starts the dispatch tick, the resource poller, and the autosave loop,
// and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.st.AutosaveLoop(ctx, o.cfg.AutosaveInterval)
	}()
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Tick()
			}
		}
	}()
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.workers.PollOnce()
				o.observePeaks()
				o.enforceDeadlines()
			}
		}
	}()

	<-ctx.Done()
	o.wg.Wait()
}

// Shutdown stops the loops, tears down workers, and flushes state.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
		o.wg.Wait()
	}
	o.workers.StopAll()
	o.persist()
	if err := o.st.Save(); err != nil {
		log.ErrorLog.Printf("final state flush failed: %v", err)
	}
}

// Tick runs one dispatch pass: unblock ready tasks, clear conflicts, rank
// within capacity, and assign each admitted task to a worker.
func (o *Orchestrator) Tick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range o.graph.UnblockReady() {
		if t, ok := o.graph.Get(id); ok {
			o.bus.Publish(events.TaskUpdate{Task: t})
		}
	}

	executable := o.graph.Executable()
	if len(executable) == 0 {
		return
	}

	lookup := func(id string) (task.Task, bool) { return o.graph.Get(id) }
	var eligible []task.Task
	for _, t := range executable {
		conflicts := o.conflicts.Check(t, lookup)
		if conflict.HasError(conflicts) {
			log.DebugLog.Printf("task %s held back by conflicts: %v", t.ID, conflicts[0].Description)
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return
	}

	running := o.graph.ByStatus(task.StatusRunning)
	var cpu, mem float64
	for _, t := range running {
		if a, ok := o.conflicts.ActiveAllocations()[t.ID]; ok {
			cpu += a.CPU
			mem += a.Memory
		}
	}

	decisions := o.sched.Schedule(scheduler.Input{
		Executable:    eligible,
		Pending:       o.graph.ByStatus(task.StatusPending),
		RunningCount:  len(running),
		RunningCPU:    cpu,
		RunningMemory: mem,
	}, o.conflicts.Estimate)

	for _, d := range decisions {
		o.dispatchLocked(d)
	}
	o.persistLocked()
}

// dispatchLocked places one admitted task onto a worker. Failures at each
// stage roll back what came before them.
func (o *Orchestrator) dispatchLocked(d scheduler.Decision) {
	t := d.Task
	caps := taskCapabilities(t)

	var target worker.Snapshot
	if idle := o.workers.Idle(t.Type, caps); len(idle) > 0 {
		target = idle[0]
	} else {
		spawned, err := o.workers.Spawn(worker.SpawnOptions{
			Type:         t.Type,
			Capabilities: caps,
			NameHint:     t.Description,
		})
		if err != nil {
			log.WarningLog.Printf("cannot spawn worker for task %s: %v", t.ID, err)
			return
		}
		target = spawned
	}

	command, err := o.renderer.BuildCommand(t)
	if err != nil {
		o.failTaskLocked(t.ID, "render failed: "+err.Error())
		return
	}

	alloc := o.conflicts.ClaimsFor(t)
	if err := o.conflicts.Allocate(t.ID, alloc); err != nil {
		log.WarningLog.Printf("allocation raced for task %s: %v", t.ID, err)
		return
	}

	if _, err := o.workers.AssignTask(target.ID, t.ID, command); err != nil {
		o.conflicts.Release(t.ID)
		o.failTaskLocked(t.ID, "dispatch failed: "+err.Error())
		return
	}

	if err := o.graph.MarkRunning(t.ID, target.ID, target.DescriptiveName, command); err != nil {
		log.ErrorLog.Printf("marking task %s running: %v", t.ID, err)
		return
	}
	o.startTimes[t.ID] = o.now()
	delete(o.peaks, t.ID)

	if updated, ok := o.graph.Get(t.ID); ok {
		o.bus.Publish(events.TaskUpdate{Task: updated})
	}
	log.InfoLog.Printf("dispatched task %s to worker %s (%s, score %d)", t.ID, target.DescriptiveName, d.Strategy, d.Score)
}

// taskCapabilities reads the comma-separated capability requirements from
// task parameters.
func taskCapabilities(t task.Task) []string {
	raw := t.Parameters.Extra["capabilities"]
	if raw == "" {
		return nil
	}
	var caps []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// failTaskLocked marks a task failed, cascading blocks to dependents, and
// broadcasts the transitions.
func (o *Orchestrator) failTaskLocked(id, reason string) {
	if err := o.graph.MarkFailed(id, reason); err != nil {
		log.WarningLog.Printf("marking task %s failed: %v", id, err)
		return
	}
	if t, ok := o.graph.Get(id); ok {
		o.bus.Publish(events.TaskFailed{Task: t, Reason: reason})
	}
	for _, t := range o.graph.ByStatus(task.StatusBlocked) {
		o.bus.Publish(events.TaskUpdate{Task: t})
	}
}

// CompleteTask finishes a running task, releasing its reservations, feeding
// the scheduler's learning ring, and force-saving state.
func (o *Orchestrator) CompleteTask(taskID string, success bool, reason string) error {
	o.mu.Lock()
	t, ok := o.graph.Get(taskID)
	if !ok {
		o.mu.Unlock()
		return notFound("task %q not found", taskID)
	}

	if success {
		if err := o.graph.MarkCompleted(taskID); err != nil {
			o.mu.Unlock()
			return err
		}
	} else {
		if err := o.graph.MarkFailed(taskID, reason); err != nil {
			o.mu.Unlock()
			return err
		}
	}

	if t.AssignedWorker != "" {
		o.workers.ClearTask(t.AssignedWorker)
	}
	o.conflicts.Release(taskID)
	o.recordOutcomeLocked(t, success)
	o.persistLocked()

	done, _ := o.graph.Get(taskID)
	blocked := o.graph.ByStatus(task.StatusBlocked)
	o.mu.Unlock()

	if success {
		o.bus.Publish(events.TaskCompleted{Task: done})
	} else {
		o.bus.Publish(events.TaskFailed{Task: done, Reason: reason})
		for _, b := range blocked {
			o.bus.Publish(events.TaskUpdate{Task: b})
		}
	}

	// Terminal transitions force an immediate save.
	if err := o.st.Save(); err != nil {
		log.WarningLog.Printf("forced save after task %s: %v", taskID, err)
	}
	return nil
}

func (o *Orchestrator) recordOutcomeLocked(t task.Task, success bool) {
	start, ok := o.startTimes[t.ID]
	if !ok {
		return
	}
	delete(o.startTimes, t.ID)
	peak := o.peaks[t.ID]
	delete(o.peaks, t.ID)
	o.sched.Record(scheduler.Outcome{
		TaskType:   t.Type,
		Duration:   o.now().Sub(start),
		Success:    success,
		CPUPeak:    peak.CPUPercent,
		MemoryPeak: peak.MemoryMB,
	})
}

// handleWorkerExit reacts to a worker's session or process dying on its own.
// An exit with a task still assigned counts as that task's completion signal.
func (o *Orchestrator) handleWorkerExit(snap worker.Snapshot) {
	if snap.CurrentTask == "" {
		return
	}
	if err := o.CompleteTask(snap.CurrentTask, true, ""); err != nil {
		log.WarningLog.Printf("completing task %s after worker %s exit: %v", snap.CurrentTask, snap.ID, err)
	}
}

// observePeaks folds current worker resource samples into per-task peaks.
func (o *Orchestrator) observePeaks() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range o.workers.List() {
		if w.CurrentTask == "" {
			continue
		}
		peak := o.peaks[w.CurrentTask]
		if w.Resources.CPUPercent > peak.CPUPercent {
			peak.CPUPercent = w.Resources.CPUPercent
		}
		if w.Resources.MemoryMB > peak.MemoryMB {
			peak.MemoryMB = w.Resources.MemoryMB
		}
		o.peaks[w.CurrentTask] = peak
	}
}

// enforceDeadlines fails running tasks whose deadline has passed, pausing
// then killing the owning worker.
func (o *Orchestrator) enforceDeadlines() {
	o.mu.Lock()
	var expired []task.Task
	for _, t := range o.graph.ByStatus(task.StatusRunning) {
		if t.Deadline != nil && o.now().After(*t.Deadline) {
			expired = append(expired, t)
		}
	}
	o.mu.Unlock()

	for _, t := range expired {
		log.WarningLog.Printf("task %s missed its deadline, terminating worker %s", t.ID, t.AssignedWorker)
		if t.AssignedWorker != "" {
			if _, err := o.workers.Pause(t.AssignedWorker); err != nil {
				log.DebugLog.Printf("pausing worker %s before kill: %v", t.AssignedWorker, err)
			}
			if _, err := o.workers.Stop(t.AssignedWorker); err != nil {
				log.WarningLog.Printf("stopping worker %s: %v", t.AssignedWorker, err)
			}
		}
		if err := o.CompleteTask(t.ID, false, "Deadline"); err != nil {
			log.WarningLog.Printf("failing task %s on deadline: %v", t.ID, err)
		}
	}
}

// persist pushes the current graph and worker views into the state manager.
func (o *Orchestrator) persist() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistLocked()
}

func (o *Orchestrator) persistLocked() {
	o.st.Update(o.graph.All(), o.workers.List())
}
