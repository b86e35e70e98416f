package orchestrator

import (
	"fmt"

	"github.com/taskmux/taskmux/apperr"
	"github.com/taskmux/taskmux/conflict"
	"github.com/taskmux/taskmux/events"
	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/state"
	"github.com/taskmux/taskmux/task"
	"github.com/taskmux/taskmux/worker"
)

func notFound(format string, args ...any) error {
	return apperr.New(apperr.NotFound, format, args...)
}

// SubmitTask adds a task to the graph. Conflicts found at submission are
// returned alongside; error-severity conflicts keep the task pending until
// they clear but do not reject it. Cycles reject the task outright.
func (o *Orchestrator) SubmitTask(t *task.Task) (task.Task, []conflict.Conflict, error) {
	if !task.ValidType(t.Type) {
		return task.Task{}, nil, fmt.Errorf("unknown task type %q", t.Type)
	}

	o.mu.Lock()
	if err := o.graph.Add(t); err != nil {
		o.mu.Unlock()
		return task.Task{}, nil, err
	}
	added, _ := o.graph.Get(t.ID)
	conflicts := o.conflicts.Check(added, func(id string) (task.Task, bool) { return o.graph.Get(id) })
	o.persistLocked()
	o.mu.Unlock()

	o.bus.Publish(events.TaskUpdate{Task: added})
	log.InfoLog.Printf("task %s submitted (%s, priority %d, %d conflicts)", added.ID, added.Type, added.Priority, len(conflicts))
	return added, conflicts, nil
}

// AddDependency records that task a depends on task b.
func (o *Orchestrator) AddDependency(a, b string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.graph.AddDependency(a, b); err != nil {
		return err
	}
	o.persistLocked()
	return nil
}

// ListTasks returns every task in submission order.
func (o *Orchestrator) ListTasks() []task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph.All()
}

// GetTask returns one task.
func (o *Orchestrator) GetTask(id string) (task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.graph.Get(id)
	if !ok {
		return task.Task{}, notFound("task %q not found", id)
	}
	return t, nil
}

// TaskCounters returns per-status task counts.
func (o *Orchestrator) TaskCounters() task.Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph.Status()
}

// SpawnWorker creates a worker outside the dispatch path.
func (o *Orchestrator) SpawnWorker(typ task.Type, program string, capabilities []string) (worker.Snapshot, error) {
	snap, err := o.workers.Spawn(worker.SpawnOptions{
		Type:         typ,
		Program:      program,
		Capabilities: capabilities,
	})
	if err != nil {
		return worker.Snapshot{}, err
	}
	o.persist()
	return snap, nil
}

// ListWorkers returns every worker record in spawn order.
func (o *Orchestrator) ListWorkers() []worker.Snapshot {
	return o.workers.List()
}

// GetWorker resolves a worker by id, name, or substring.
func (o *Orchestrator) GetWorker(ref string) (worker.Snapshot, error) {
	return o.workers.Get(ref)
}

// ConnectWorker describes how a client can attach to a worker directly.
func (o *Orchestrator) ConnectWorker(ref string) (worker.Connection, error) {
	return o.workers.GetConnection(ref)
}

// PauseWorker suspends a running worker.
func (o *Orchestrator) PauseWorker(ref string) (worker.Snapshot, error) {
	snap, err := o.workers.Pause(ref)
	if err != nil {
		return worker.Snapshot{}, err
	}
	o.persist()
	return snap, nil
}

// ResumeWorker continues a paused worker.
func (o *Orchestrator) ResumeWorker(ref string) (worker.Snapshot, error) {
	snap, err := o.workers.Resume(ref)
	if err != nil {
		return worker.Snapshot{}, err
	}
	o.persist()
	return snap, nil
}

// StopWorker tears a worker down.
func (o *Orchestrator) StopWorker(ref string) (worker.Snapshot, error) {
	snap, err := o.workers.Stop(ref)
	if err != nil {
		return worker.Snapshot{}, err
	}
	o.persist()
	return snap, nil
}

// WorkerOutput returns the buffered output window for a worker.
func (o *Orchestrator) WorkerOutput(ref string) ([]string, error) {
	return o.workers.Output(ref)
}

// GetSessionData returns the current session view.
func (o *Orchestrator) GetSessionData() state.Session {
	o.persist()
	return o.st.Session()
}

// SaveSessionData merges metadata into the session and forces a save.
func (o *Orchestrator) SaveSessionData(metadata map[string]string) error {
	for k, v := range metadata {
		o.st.SetMetadata(k, v)
	}
	o.persist()
	return o.st.Save()
}

// CreateSnapshot writes a named snapshot of the current session.
func (o *Orchestrator) CreateSnapshot(name string) (string, error) {
	o.persist()
	return o.st.CreateSnapshot(name)
}

// RestoreSnapshot loads a snapshot and rebuilds the task graph from it. Live
// workers keep running; restored worker records arrive stopped.
func (o *Orchestrator) RestoreSnapshot(path string) error {
	if err := o.st.RestoreSnapshot(path); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.st.Session()
	o.graph = task.NewGraph()
	for i := range s.Tasks {
		t := s.Tasks[i]
		if err := o.graph.Add(&t); err != nil {
			log.WarningLog.Printf("dropping restored task %s: %v", t.ID, err)
		}
	}
	for _, w := range s.Workers {
		o.workers.Adopt(w)
	}
	o.persistLocked()
	return nil
}

// InitialStateEvent builds the event pushed to a client on connect.
func (o *Orchestrator) InitialStateEvent() events.Event {
	s := o.GetSessionData()
	return events.InitialState{SessionID: s.ID, Tasks: s.Tasks, Workers: s.Workers}
}
