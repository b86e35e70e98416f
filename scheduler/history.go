package scheduler

import (
	"sync"
	"time"

	"github.com/taskmux/taskmux/task"
)

// historyCap bounds the learning ring. Oldest outcomes are evicted first.
const historyCap = 100

// Outcome is one terminal task execution fed back into the scheduler.
type Outcome struct {
	TaskType   task.Type
	Duration   time.Duration
	Success    bool
	CPUPeak    float64
	MemoryPeak float64
}

// history is the FIFO ring of recent outcomes.
type history struct {
	mu   sync.Mutex
	ring []Outcome
}

func (h *history) record(o Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = append(h.ring, o)
	if len(h.ring) > historyCap {
		h.ring = h.ring[len(h.ring)-historyCap:]
	}
}

func (h *history) byType(typ task.Type) []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Outcome
	for _, o := range h.ring {
		if o.TaskType == typ {
			out = append(out, o)
		}
	}
	return out
}

// successRate returns the fraction of successful outcomes for a type, or 0.5
// when no history exists.
func (h *history) successRate(typ task.Type) float64 {
	samples := h.byType(typ)
	if len(samples) == 0 {
		return 0.5
	}
	ok := 0
	for _, o := range samples {
		if o.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(samples))
}

// defaultDuration is the duration estimate used before any history exists.
const defaultDuration = 10 * time.Minute

// meanDuration returns the average execution time for a type, or
// defaultDuration without history.
func (h *history) meanDuration(typ task.Type) time.Duration {
	samples := h.byType(typ)
	if len(samples) == 0 {
		return defaultDuration
	}
	var sum time.Duration
	for _, o := range samples {
		sum += o.Duration
	}
	return sum / time.Duration(len(samples))
}

// meanPeaks returns the average CPU%/memory peaks for a type. ok is false
// without history.
func (h *history) meanPeaks(typ task.Type) (cpu, mem float64, ok bool) {
	samples := h.byType(typ)
	if len(samples) == 0 {
		return 0, 0, false
	}
	for _, o := range samples {
		cpu += o.CPUPeak
		mem += o.MemoryPeak
	}
	n := float64(len(samples))
	return cpu / n, mem / n, true
}
