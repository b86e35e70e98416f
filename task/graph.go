package task

import (
	"sort"
	"sync"
	"time"

	"github.com/taskmux/taskmux/apperr"
)

// Graph is the dependency-aware task store. All mutation goes through its
// methods; returned tasks are copies.
type Graph struct {
	mu    sync.Mutex
	tasks map[string]*Task
	// order preserves insertion order for stable priority tie-breaks.
	order []string
	// dependents is the reverse adjacency: dependency id -> ids that need it.
	dependents map[string]map[string]struct{}
}

// NewGraph creates an empty task graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Counters summarizes the graph by status.
type Counters struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// Add inserts t and its declared dependency edges. Edges to unknown
// predecessors are accepted; the task simply stays unexecutable until those
// ids appear. Re-adding an existing id overwrites its fields but preserves
// computed dependents.
func (g *Graph) Add(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.wouldCycle(t.ID, t.Dependencies) {
		return apperr.New(apperr.Cycle, "task %s would create a dependency cycle", t.ID)
	}

	existing, known := g.tasks[t.ID]
	if known {
		// Drop the old forward edges before recording the new ones.
		for _, dep := range existing.Dependencies {
			delete(g.dependents[dep], t.ID)
		}
	} else {
		g.order = append(g.order, t.ID)
	}

	stored := t.clone()
	g.tasks[t.ID] = &stored
	for _, dep := range stored.Dependencies {
		g.addEdge(t.ID, dep)
	}
	return nil
}

// AddDependency records "a depends on b", guarding against cycles.
func (g *Graph) AddDependency(a, b string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[a]
	if !ok {
		return apperr.New(apperr.NotFound, "task %s not found", a)
	}
	for _, dep := range t.Dependencies {
		if dep == b {
			return nil
		}
	}
	if g.wouldCycle(a, append(append([]string(nil), t.Dependencies...), b)) {
		return apperr.New(apperr.Cycle, "dependency %s -> %s would create a cycle", a, b)
	}
	t.Dependencies = append(t.Dependencies, b)
	t.UpdatedAt = time.Now()
	g.addEdge(a, b)
	return nil
}

func (g *Graph) addEdge(from, dep string) {
	if g.dependents[dep] == nil {
		g.dependents[dep] = make(map[string]struct{})
	}
	g.dependents[dep][from] = struct{}{}
}

// wouldCycle runs a DFS with a recursion stack over the graph as it would look
// with candidate edges id -> deps in place.
func (g *Graph) wouldCycle(id string, deps []string) bool {
	edges := func(n string) []string {
		if n == id {
			return deps
		}
		if t, ok := g.tasks[n]; ok {
			return t.Dependencies
		}
		return nil
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var visit func(n string) bool
	visit = func(n string) bool {
		if onStack[n] {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		onStack[n] = true
		for _, d := range edges(n) {
			if visit(d) {
				return true
			}
		}
		onStack[n] = false
		return false
	}
	return visit(id)
}

// Get returns a copy of the task with the given id.
func (g *Graph) Get(id string) (Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// All returns copies of every task in insertion order.
func (g *Graph) All() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// Executable returns all pending tasks whose every dependency is completed,
// sorted by priority descending. Ties keep insertion order.
func (g *Graph) Executable() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if !g.depsCompleted(t) {
			continue
		}
		out = append(out, t.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func (g *Graph) depsCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkRunning transitions a task to running with its worker assignment.
func (g *Graph) MarkRunning(id, workerID, workerName, renderedCommand string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return apperr.New(apperr.NotFound, "task %s not found", id)
	}
	t.Status = StatusRunning
	t.AssignedWorker = workerID
	t.AssignedWorkerName = workerName
	t.RenderedCommand = renderedCommand
	t.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted transitions a task to completed.
func (g *Graph) MarkCompleted(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return apperr.New(apperr.NotFound, "task %s not found", id)
	}
	t.Status = StatusCompleted
	t.UpdatedAt = time.Now()
	return nil
}

// MarkFailed transitions a task to failed and recursively blocks every
// pending dependent.
func (g *Graph) MarkFailed(id string, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return apperr.New(apperr.NotFound, "task %s not found", id)
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.UpdatedAt = time.Now()
	g.blockDependents(id)
	return nil
}

func (g *Graph) blockDependents(id string) {
	for dep := range g.dependents[id] {
		d, ok := g.tasks[dep]
		if !ok {
			continue
		}
		if d.Status == StatusPending {
			d.Status = StatusBlocked
			d.UpdatedAt = time.Now()
		}
		g.blockDependents(dep)
	}
}

// UnblockReady returns blocked tasks to pending once no transitive dependency
// is failed anymore. Called on every dispatch tick. Returns the ids that were
// unblocked.
func (g *Graph) UnblockReady() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var unblocked []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusBlocked {
			continue
		}
		if !g.hasFailedAncestor(id, make(map[string]bool)) {
			t.Status = StatusPending
			t.UpdatedAt = time.Now()
			unblocked = append(unblocked, id)
		}
	}
	return unblocked
}

func (g *Graph) hasFailedAncestor(id string, seen map[string]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true
	t, ok := g.tasks[id]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		if d, ok := g.tasks[dep]; ok && d.Status == StatusFailed {
			return true
		}
		if g.hasFailedAncestor(dep, seen) {
			return true
		}
	}
	return false
}

// SetStatus forces a task status. Used by state restore for orphan recovery.
func (g *Graph) SetStatus(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return apperr.New(apperr.NotFound, "task %s not found", id)
	}
	t.Status = status
	if status == StatusPending {
		t.AssignedWorker = ""
		t.AssignedWorkerName = ""
	}
	t.UpdatedAt = time.Now()
	return nil
}

// Remove deletes a task, detaching its edges symmetrically.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return
	}
	for _, dep := range t.Dependencies {
		delete(g.dependents[dep], id)
	}
	delete(g.dependents, id)
	delete(g.tasks, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Status returns per-status counters.
func (g *Graph) Status() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	var c Counters
	c.Total = len(g.tasks)
	for _, t := range g.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusBlocked:
			c.Blocked++
		}
	}
	return c
}

// Adjacency returns a snapshot of the forward edges: task id -> dependency ids.
func (g *Graph) Adjacency() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string, len(g.tasks))
	for id, t := range g.tasks {
		out[id] = append([]string(nil), t.Dependencies...)
	}
	return out
}

// ByStatus returns copies of tasks with the given status, insertion-ordered.
func (g *Graph) ByStatus(status Status) []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Task
	for _, id := range g.order {
		if t := g.tasks[id]; t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}
