// Package scheduler ranks executable tasks with a set of independent scoring
// strategies, filters them against the capacity envelope, and learns from
// historical task outcomes.
package scheduler

import (
	"sort"
	"time"

	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/task"
)

// Limits is the admission envelope the capacity filter enforces.
type Limits struct {
	MaxCPUPercent      float64
	MaxMemoryMB        float64
	MaxConcurrentTasks int
}

// Requirements are the estimated resources a decision claims if dispatched.
type Requirements struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
}

// Decision is one admitted dispatch candidate, ordered by descending score.
type Decision struct {
	Task              task.Task
	Score             int
	Strategy          string
	EstimatedDuration time.Duration
	Requirements      Requirements
}

// Input is the per-tick snapshot the scheduler ranks against.
type Input struct {
	// Executable are the dispatch candidates (pending, deps satisfied).
	Executable []task.Task
	// Pending is every pending task, for dependent counting.
	Pending []task.Task
	// RunningCount is the number of tasks currently running.
	RunningCount int
	// RunningCPU/RunningMemory are the estimate sums already allocated to
	// running tasks.
	RunningCPU    float64
	RunningMemory float64
}

// Scheduler owns the learning ring and the strategy composition.
type Scheduler struct {
	limits Limits
	hist   *history
}

// New creates a scheduler with an empty learning ring.
func New(limits Limits) *Scheduler {
	return &Scheduler{limits: limits, hist: &history{}}
}

// Record feeds a terminal task outcome into the learning ring.
func (s *Scheduler) Record(o Outcome) {
	s.hist.record(o)
}

// EstimateFor returns historical mean resource peaks for a task type. ok is
// false when the ring holds no samples for that type; callers then fall back
// to static defaults.
func (s *Scheduler) EstimateFor(typ task.Type) (cpu, mem float64, ok bool) {
	return s.hist.meanPeaks(typ)
}

// estimate resolves the requirement estimate for a type: historical means
// when present, conflict-detector-style defaults otherwise.
func (s *Scheduler) estimate(typ task.Type, fallback func(task.Type) (float64, float64)) (float64, float64) {
	if cpu, mem, ok := s.hist.meanPeaks(typ); ok {
		return cpu, mem
	}
	return fallback(typ)
}

// Schedule scores the executable tasks, sorts the decisions by score
// descending, and walks the sorted list admitting each candidate that stays
// within the capacity envelope. fallback supplies static per-type estimates.
func (s *Scheduler) Schedule(in Input, fallback func(task.Type) (float64, float64)) []Decision {
	e := env{
		pending:         in.Pending,
		availableCPU:    s.limits.MaxCPUPercent - in.RunningCPU,
		availableMemory: s.limits.MaxMemoryMB - in.RunningMemory,
		now:             time.Now(),
		hist:            s.hist,
		estimate: func(typ task.Type) (float64, float64) {
			return s.estimate(typ, fallback)
		},
	}

	decisions := make([]Decision, 0, len(in.Executable))
	for _, t := range in.Executable {
		total := 0
		best, bestScore := "", 0
		for i, st := range strategies {
			sc := st.score(t, e)
			total += sc
			if i == 0 || sc > bestScore {
				best, bestScore = st.name(), sc
			}
		}
		cpu, mem := e.estimate(t.Type)
		decisions = append(decisions, Decision{
			Task:              t,
			Score:             total,
			Strategy:          best,
			EstimatedDuration: s.hist.meanDuration(t.Type),
			Requirements:      Requirements{CPUPercent: cpu, MemoryMB: mem},
		})
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Score > decisions[j].Score
	})

	admitted := s.capacityFilter(decisions, in)
	if len(admitted) < len(decisions) {
		log.DebugLog.Printf("scheduler admitted %d of %d candidates", len(admitted), len(decisions))
	}
	return admitted
}

// capacityFilter admits candidates whose addition keeps the accumulated
// CPU/memory within limits and the live task count below MaxConcurrentTasks.
func (s *Scheduler) capacityFilter(decisions []Decision, in Input) []Decision {
	cpu := in.RunningCPU
	mem := in.RunningMemory
	live := in.RunningCount

	var out []Decision
	for _, d := range decisions {
		if live >= s.limits.MaxConcurrentTasks {
			break
		}
		if cpu+d.Requirements.CPUPercent > s.limits.MaxCPUPercent {
			continue
		}
		if mem+d.Requirements.MemoryMB > s.limits.MaxMemoryMB {
			continue
		}
		cpu += d.Requirements.CPUPercent
		mem += d.Requirements.MemoryMB
		live++
		out = append(out, d)
	}
	return out
}
