package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/apperr"
)

func newTask(id string, typ Type, priority int, deps ...string) *Task {
	t := New(typ, "test task "+id)
	t.ID = id
	t.Priority = priority
	t.Dependencies = deps
	return t
}

func TestAddTaskRejectsSelfDependency(t *testing.T) {
	g := NewGraph()
	err := g.Add(newTask("a", TypeCode, 1, "a"))
	require.Error(t, err)
	require.Equal(t, apperr.Cycle, apperr.KindOf(err))
	_, ok := g.Get("a")
	require.False(t, ok)
}

func TestAddTaskRejectsTransitiveCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1, "b")))
	err := g.Add(newTask("b", TypeCode, 1, "a"))
	require.Error(t, err)
	require.Equal(t, apperr.Cycle, apperr.KindOf(err))

	// Graph contains only a.
	require.Len(t, g.All(), 1)
	require.Equal(t, "a", g.All()[0].ID)
}

func TestAddDependencyCycleGuard(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("b", TypeCode, 1, "a")))
	require.NoError(t, g.Add(newTask("c", TypeCode, 1, "b")))

	err := g.AddDependency("a", "c")
	require.Equal(t, apperr.Cycle, apperr.KindOf(err))

	// The failed edge must not have been recorded.
	got, ok := g.Get("a")
	require.True(t, ok)
	require.Empty(t, got.Dependencies)
}

func TestExecutableOrdering(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("low", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("first-high", TypeCode, 5)))
	require.NoError(t, g.Add(newTask("second-high", TypeCode, 5)))

	ids := make([]string, 0)
	for _, tk := range g.Executable() {
		ids = append(ids, tk.ID)
	}
	// Priority descending, insertion order among equals.
	require.Equal(t, []string{"first-high", "second-high", "low"}, ids)
}

func TestExecutableWaitsForDependencies(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 5)))
	require.NoError(t, g.Add(newTask("b", TypeTest, 5, "a")))

	exec := g.Executable()
	require.Len(t, exec, 1)
	require.Equal(t, "a", exec[0].ID)

	require.NoError(t, g.MarkRunning("a", "w1", "worker-one", "echo a"))
	require.Empty(t, g.Executable())

	require.NoError(t, g.MarkCompleted("a"))
	exec = g.Executable()
	require.Len(t, exec, 1)
	require.Equal(t, "b", exec[0].ID)
}

func TestUnknownDependencyGatesExecution(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("b", TypeTest, 5, "ghost")))
	require.Empty(t, g.Executable())

	// Once the predecessor appears and completes, b becomes executable.
	require.NoError(t, g.Add(newTask("ghost", TypeCode, 1)))
	require.NoError(t, g.MarkCompleted("ghost"))
	exec := g.Executable()
	require.Len(t, exec, 1)
	require.Equal(t, "b", exec[0].ID)
}

func TestMarkFailedCascadesBlocked(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("b", TypeTest, 1, "a")))
	require.NoError(t, g.Add(newTask("c", TypeTest, 1, "b")))

	require.NoError(t, g.MarkFailed("a", "boom"))

	b, _ := g.Get("b")
	c, _ := g.Get("c")
	require.Equal(t, StatusBlocked, b.Status)
	require.Equal(t, StatusBlocked, c.Status)

	a, _ := g.Get("a")
	require.Equal(t, "boom", a.Error)
}

func TestUnblockReadyAfterRetry(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("b", TypeTest, 1, "a")))
	require.NoError(t, g.MarkFailed("a", "boom"))

	b, _ := g.Get("b")
	require.Equal(t, StatusBlocked, b.Status)

	// Re-adding a (retry overwrite) with a clean status lifts the block.
	retry := newTask("a", TypeCode, 1)
	retry.Status = StatusCompleted
	require.NoError(t, g.Add(retry))

	unblocked := g.UnblockReady()
	require.Equal(t, []string{"b"}, unblocked)
	b, _ = g.Get("b")
	require.Equal(t, StatusPending, b.Status)
}

func TestReAddPreservesDependents(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("b", TypeTest, 1, "a")))

	// Overwrite a with new fields.
	updated := newTask("a", TypeCode, 9)
	require.NoError(t, g.Add(updated))

	require.NoError(t, g.MarkFailed("a", "boom"))
	b, _ := g.Get("b")
	require.Equal(t, StatusBlocked, b.Status)
}

func TestRemoveDetachesEdges(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("b", TypeTest, 1, "a")))

	g.Remove("b")
	require.NoError(t, g.MarkFailed("a", "boom"))
	_, ok := g.Get("b")
	require.False(t, ok)

	adj := g.Adjacency()
	_, present := adj["b"]
	require.False(t, present)
}

func TestStatusCounters(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(newTask("a", TypeCode, 1)))
	require.NoError(t, g.Add(newTask("b", TypeTest, 1, "a")))
	require.NoError(t, g.Add(newTask("c", TypeTest, 1)))
	require.NoError(t, g.MarkRunning("c", "w1", "worker-one", "echo"))

	c := g.Status()
	require.Equal(t, 3, c.Total)
	require.Equal(t, 2, c.Pending)
	require.Equal(t, 1, c.Running)
}
