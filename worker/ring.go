package worker

import "sync"

// OutputRing is a bounded ring buffer of recent output lines. Once full, each
// append evicts the oldest line. There is no full-history replay: clients see
// at most the buffer window.
type OutputRing struct {
	mu    sync.Mutex
	lines []string
	head  int
	full  bool
}

// NewOutputRing creates a ring holding up to capacity lines.
func NewOutputRing(capacity int) *OutputRing {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputRing{lines: make([]string, capacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *OutputRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.head == 0 {
		r.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (r *OutputRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.head]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.head:]...)
	out = append(out, r.lines[:r.head]...)
	return out
}

// Len returns the number of buffered lines.
func (r *OutputRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.head
}
