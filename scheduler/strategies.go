package scheduler

import (
	"math"
	"time"

	"github.com/taskmux/taskmux/task"
)

// env carries the per-tick facts strategies score against.
type env struct {
	// pending is every pending task, used for dependent counting.
	pending []task.Task
	// availableCPU/availableMemory are the unallocated resource headroom.
	availableCPU    float64
	availableMemory float64
	now             time.Time
	hist            *history
	estimate        func(task.Type) (cpu, mem float64)
}

// strategy scores one task independently. The final score is the sum across
// strategies; the argmax contributor is reported for attribution.
type strategy interface {
	name() string
	score(t task.Task, e env) int
}

type priorityStrategy struct{}

func (priorityStrategy) name() string { return "priority" }

func (priorityStrategy) score(t task.Task, e env) int {
	return 10 * t.Priority
}

type dependencyStrategy struct{}

func (dependencyStrategy) name() string { return "dependency" }

func (dependencyStrategy) score(t task.Task, e env) int {
	s := 0
	if len(t.Dependencies) == 0 {
		s += 50
	}
	dependents := 0
	for _, p := range e.pending {
		if p.ID == t.ID {
			continue
		}
		for _, dep := range p.Dependencies {
			if dep == t.ID {
				dependents++
				break
			}
		}
	}
	return s + 15*dependents
}

type resourceStrategy struct{}

func (resourceStrategy) name() string { return "resource" }

func (resourceStrategy) score(t task.Task, e env) int {
	cpu, mem := e.estimate(t.Type)
	if cpu <= e.availableCPU && mem <= e.availableMemory {
		return 30
	}
	return -10
}

type deadlineStrategy struct{}

func (deadlineStrategy) name() string { return "deadline" }

func (deadlineStrategy) score(t task.Task, e env) int {
	if t.Deadline == nil {
		return 0
	}
	remaining := t.Deadline.Sub(e.now)
	switch {
	case remaining < time.Hour:
		return 100
	case remaining < 24*time.Hour:
		return 50
	default:
		return 0
	}
}

type learnedStrategy struct{}

func (learnedStrategy) name() string { return "learned" }

func (learnedStrategy) score(t task.Task, e env) int {
	rate := e.hist.successRate(t.Type)
	minutes := e.hist.meanDuration(t.Type).Minutes()
	return int(math.Round(20*rate - minutes))
}

// strategies is the fixed composition order. Attribution ties go to the
// earlier strategy.
var strategies = []strategy{
	priorityStrategy{},
	dependencyStrategy{},
	resourceStrategy{},
	deadlineStrategy{},
	learnedStrategy{},
}
