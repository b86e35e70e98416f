// Package conflict analyzes tasks for file, port, service, dependency, and
// capacity conflicts before dispatch, and owns the resource reservation tables
// that serialize access to shared resources while tasks run.
package conflict

import (
	"fmt"
	"sort"
	"sync"

	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/task"
)

// Severity grades a conflict.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Conflict describes one detected clash between a candidate task and the
// in-flight work.
type Conflict struct {
	Type            string   `json:"type"`
	ConflictingTask string   `json:"conflictingTask,omitempty"`
	Description     string   `json:"description"`
	Severity        Severity `json:"severity"`
	Resolution      string   `json:"resolution,omitempty"`
}

// HasError reports whether any conflict in the slice is error severity.
func HasError(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Allocation is the inverse index for one task: everything it holds, so
// release is O(1).
type Allocation struct {
	Files    []string `json:"files,omitempty"`
	Ports    []int    `json:"ports,omitempty"`
	Services []string `json:"services,omitempty"`
	CPU      float64  `json:"cpu"`
	Memory   float64  `json:"memory"`
}

// Limits are the system-wide capacity bounds consulted by the capacity check.
type Limits struct {
	MaxCPUPercent float64
	MaxMemoryMB   float64
}

// ServicePolicy answers capacity questions about named services.
type ServicePolicy interface {
	IsExclusiveService(name string) bool
	ServiceLimit(name string) int
}

// Estimator supplies per-type resource estimates, typically backed by the
// scheduler's execution history. ok=false falls back to static defaults.
type Estimator func(typ task.Type) (cpuPercent, memoryMB float64, ok bool)

// Detector owns the reservation tables.
type Detector struct {
	mu     sync.Mutex
	limits Limits
	policy ServicePolicy

	files    map[string]map[string]struct{} // path -> holder task ids
	ports    map[int]string                 // port -> holder task id (exclusive)
	services map[string]map[string]struct{} // service -> holder task ids
	alloc    map[string]Allocation          // task id -> everything it holds

	estimator Estimator
}

// NewDetector creates a detector with empty tables.
func NewDetector(limits Limits, policy ServicePolicy) *Detector {
	return &Detector{
		limits:   limits,
		policy:   policy,
		files:    make(map[string]map[string]struct{}),
		ports:    make(map[int]string),
		services: make(map[string]map[string]struct{}),
		alloc:    make(map[string]Allocation),
	}
}

// SetEstimator installs the historical estimator. Safe to call at any time.
func (d *Detector) SetEstimator(e Estimator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.estimator = e
}

// typeDefaults are the static per-type resource estimates used when no
// execution history exists yet.
var typeDefaults = map[task.Type]struct{ cpu, mem float64 }{
	task.TypeResearch: {10, 256},
	task.TypeCode:     {25, 512},
	task.TypeTest:     {30, 512},
	task.TypeAnalysis: {20, 384},
	task.TypeSwarm:    {40, 1024},
	task.TypeHiveMind: {50, 1024},
}

// Estimate returns the CPU%/memory-MB estimate for a task type: historical
// means when available, static defaults otherwise.
func (d *Detector) Estimate(typ task.Type) (float64, float64) {
	d.mu.Lock()
	est := d.estimator
	d.mu.Unlock()
	if est != nil {
		if cpu, mem, ok := est(typ); ok {
			return cpu, mem
		}
	}
	if def, ok := typeDefaults[typ]; ok {
		return def.cpu, def.mem
	}
	return 20, 512
}

// TaskLookup resolves a task id to its current record, for dependency checks.
type TaskLookup func(id string) (task.Task, bool)

// Check analyzes a candidate task against the active reservations and its
// declared dependencies. It does not mutate any table.
func (d *Detector) Check(t task.Task, lookup TaskLookup) []Conflict {
	claims := ExtractClaims(t)

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Conflict
	out = append(out, d.checkFiles(t, claims)...)
	out = append(out, d.checkPorts(t, claims)...)
	out = append(out, d.checkServices(t, claims)...)
	out = append(out, checkDependencies(t, lookup)...)
	out = append(out, d.checkCapacity(t)...)

	if len(out) > 0 {
		log.DebugLog.Printf("conflict check for task %s: %d conflicts", t.ID, len(out))
	}
	return out
}

func (d *Detector) checkFiles(t task.Task, claims Claims) []Conflict {
	var out []Conflict
	for _, f := range claims.Files {
		for holder := range d.files[f] {
			if holder == t.ID {
				continue
			}
			sev := SeverityWarning
			if claims.WriteIntent {
				sev = SeverityError
			}
			out = append(out, Conflict{
				Type:            "file",
				ConflictingTask: holder,
				Description:     fmt.Sprintf("file %s is claimed by task %s", f, holder),
				Severity:        sev,
				Resolution:      "wait for the holding task to finish",
			})
		}
	}
	return out
}

func (d *Detector) checkPorts(t task.Task, claims Claims) []Conflict {
	var out []Conflict
	for _, p := range claims.Ports {
		if holder, held := d.ports[p]; held && holder != t.ID {
			out = append(out, Conflict{
				Type:            "port",
				ConflictingTask: holder,
				Description:     fmt.Sprintf("port %d is reserved by task %s", p, holder),
				Severity:        SeverityError,
				Resolution:      "use a different port or wait",
			})
		}
	}
	return out
}

func (d *Detector) checkServices(t task.Task, claims Claims) []Conflict {
	var out []Conflict
	for _, svc := range claims.Services {
		holders := d.services[svc]
		n := len(holders)
		if _, mine := holders[t.ID]; mine {
			n--
		}
		if n == 0 {
			continue
		}
		if d.policy.IsExclusiveService(svc) {
			var holder string
			for h := range holders {
				if h != t.ID {
					holder = h
					break
				}
			}
			out = append(out, Conflict{
				Type:            "service",
				ConflictingTask: holder,
				Description:     fmt.Sprintf("exclusive service %s is held by task %s", svc, holder),
				Severity:        SeverityError,
				Resolution:      "wait for the holding task to finish",
			})
		} else if n >= d.policy.ServiceLimit(svc) {
			out = append(out, Conflict{
				Type:        "service",
				Description: fmt.Sprintf("service %s is at capacity (%d holders)", svc, n),
				Severity:    SeverityWarning,
			})
		}
	}
	return out
}

// checkDependencies flags missing and failed predecessors. Dependency cycles
// never reach the detector: the graph rejects them at Add time.
func checkDependencies(t task.Task, lookup TaskLookup) []Conflict {
	var out []Conflict
	if lookup == nil {
		return out
	}
	for _, dep := range t.Dependencies {
		pred, ok := lookup(dep)
		if !ok {
			out = append(out, Conflict{
				Type:        "dependency",
				Description: fmt.Sprintf("predecessor %s does not exist", dep),
				Severity:    SeverityError,
				Resolution:  "submit the missing predecessor",
			})
			continue
		}
		if pred.Status == task.StatusFailed {
			out = append(out, Conflict{
				Type:            "dependency",
				ConflictingTask: dep,
				Description:     fmt.Sprintf("predecessor %s failed", dep),
				Severity:        SeverityError,
				Resolution:      "retry the failed predecessor",
			})
		}
	}
	return out
}

func (d *Detector) checkCapacity(t task.Task) []Conflict {
	cpu, mem := d.estimateLocked(t.Type)
	var usedCPU, usedMem float64
	for _, a := range d.alloc {
		usedCPU += a.CPU
		usedMem += a.Memory
	}
	var out []Conflict
	if usedCPU+cpu > d.limits.MaxCPUPercent {
		out = append(out, Conflict{
			Type:        "resource",
			Description: fmt.Sprintf("estimated CPU %.0f%% + active %.0f%% exceeds limit %.0f%%", cpu, usedCPU, d.limits.MaxCPUPercent),
			Severity:    SeverityWarning,
		})
	}
	if usedMem+mem > d.limits.MaxMemoryMB {
		out = append(out, Conflict{
			Type:        "resource",
			Description: fmt.Sprintf("estimated memory %.0fMB + active %.0fMB exceeds limit %.0fMB", mem, usedMem, d.limits.MaxMemoryMB),
			Severity:    SeverityWarning,
		})
	}
	return out
}

func (d *Detector) estimateLocked(typ task.Type) (float64, float64) {
	if d.estimator != nil {
		if cpu, mem, ok := d.estimator(typ); ok {
			return cpu, mem
		}
	}
	if def, ok := typeDefaults[typ]; ok {
		return def.cpu, def.mem
	}
	return 20, 512
}

// ClaimsFor extracts claims and pairs them with the resource estimate,
// producing the allocation the orchestrator reserves at dispatch.
func (d *Detector) ClaimsFor(t task.Task) Allocation {
	claims := ExtractClaims(t)
	cpu, mem := d.Estimate(t.Type)
	sort.Strings(claims.Files)
	sort.Ints(claims.Ports)
	sort.Strings(claims.Services)
	return Allocation{
		Files:    claims.Files,
		Ports:    claims.Ports,
		Services: claims.Services,
		CPU:      cpu,
		Memory:   mem,
	}
}

// Allocate reserves everything in a for the task. It is idempotent and never
// partially applies: the port table is validated before any table is touched.
func (d *Detector) Allocate(taskID string, a Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, held := d.alloc[taskID]; held {
		return nil
	}

	for _, p := range a.Ports {
		if holder, taken := d.ports[p]; taken && holder != taskID {
			return fmt.Errorf("port %d already reserved by task %s", p, holder)
		}
	}

	for _, f := range a.Files {
		if d.files[f] == nil {
			d.files[f] = make(map[string]struct{})
		}
		d.files[f][taskID] = struct{}{}
	}
	for _, p := range a.Ports {
		d.ports[p] = taskID
	}
	for _, s := range a.Services {
		if d.services[s] == nil {
			d.services[s] = make(map[string]struct{})
		}
		d.services[s][taskID] = struct{}{}
	}
	d.alloc[taskID] = a
	return nil
}

// Release reverses Allocate exactly. Idempotent: releasing an unknown task is
// a no-op.
func (d *Detector) Release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, held := d.alloc[taskID]
	if !held {
		return
	}
	for _, f := range a.Files {
		delete(d.files[f], taskID)
		if len(d.files[f]) == 0 {
			delete(d.files, f)
		}
	}
	for _, p := range a.Ports {
		if d.ports[p] == taskID {
			delete(d.ports, p)
		}
	}
	for _, s := range a.Services {
		delete(d.services[s], taskID)
		if len(d.services[s]) == 0 {
			delete(d.services, s)
		}
	}
	delete(d.alloc, taskID)
}

// ActiveAllocations returns a copy of the per-task allocation index.
func (d *Detector) ActiveAllocations() map[string]Allocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Allocation, len(d.alloc))
	for id, a := range d.alloc {
		out[id] = a
	}
	return out
}
