package model

import (
	"math"
	"math/bits"
)

// SchedPolicy represents the Linux scheduling policy of a task
type SchedPolicy int

const (
	SchedPolicyNormal     SchedPolicy = 0 // SCHED_NORMAL (CFS)
	SchedPolicyFifo       SchedPolicy = 1 // SCHED_FIFO
	SchedPolicyRoundRobin SchedPolicy = 2 // SCHED_RR
)

// SchedPolicyFromInt parses a policy from the upstream wire value.
// Unknown values map to SchedPolicyNormal.
func SchedPolicyFromInt(v int) SchedPolicy {
	switch v {
	case 1:
		return SchedPolicyFifo
	case 2:
		return SchedPolicyRoundRobin
	default:
		return SchedPolicyNormal
	}
}

func (p SchedPolicy) String() string {
	switch p {
	case SchedPolicyFifo:
		return "fifo"
	case SchedPolicyRoundRobin:
		return "round_robin"
	default:
		return "normal"
	}
}

// CPUAffinity is a CPU affinity constraint expressed as a 64-bit mask.
// Bit N set means CPU N is allowed. A mask of all-zero or all-one bits
// means any CPU.
type CPUAffinity uint64

// CPUAffinityAny places no constraint on CPU selection.
const CPUAffinityAny CPUAffinity = 0

// NewCPUAffinity normalizes a wire mask: 0 and all-ones both mean "any".
func NewCPUAffinity(mask uint64) CPUAffinity {
	if mask == math.MaxUint64 {
		return CPUAffinityAny
	}
	return CPUAffinity(mask)
}

// IsAny reports whether the affinity places no constraint.
func (a CPUAffinity) IsAny() bool {
	return a == CPUAffinityAny
}

// AllowsCPU reports whether the mask permits the given CPU id.
func (a CPUAffinity) AllowsCPU(cpu int) bool {
	if a.IsAny() {
		return true
	}
	return (uint64(a)>>uint(cpu))&1 == 1
}

// RequiredCPU returns the lowest set bit as the single pinned CPU id.
// Multi-CPU masks are reduced to the lowest bit until multi-CPU affinity
// is supported end to end. Returns -1 for an unconstrained affinity.
func (a CPUAffinity) RequiredCPU() int {
	if a.IsAny() {
		return -1
	}
	return bits.TrailingZeros64(uint64(a))
}

// Task is the mutable working record flowing through a placement run.
// The scheduler fills AssignedNode/AssignedCPU in place during the
// algorithm, then converts fully-assigned tasks to SchedTask records.
// All timing fields are microseconds.
type Task struct {
	Name       string `json:"name"`
	WorkloadID string `json:"workload_id"`
	TargetNode string `json:"target_node,omitempty"`

	Policy   SchedPolicy `json:"policy"`
	Priority int         `json:"priority"`
	Affinity CPUAffinity `json:"cpu_affinity"`

	// MemoryMB is the task's memory budget in megabytes. Zero means the
	// upstream description did not carry a requirement; such tasks are
	// exempt from the memory admission check. Keep zero distinct from a
	// real requirement if the upstream format grows a memory field.
	MemoryMB uint64 `json:"memory_mb,omitempty"`

	PeriodUS      uint64 `json:"period_us"`
	RuntimeUS     uint64 `json:"runtime_us"`
	DeadlineUS    uint64 `json:"deadline_us"`
	ReleaseTimeUS uint32 `json:"release_time_us"`
	MaxDmiss      int    `json:"max_consecutive_deadline_misses"`

	// Assignment output, set by the scheduler.
	AssignedNode string `json:"assigned_node,omitempty"`
	AssignedCPU  *int   `json:"assigned_cpu,omitempty"`
}

// Utilization is the CPU fraction the task consumes: runtime / period.
// Returns 0.0 when the period is zero.
func (t *Task) Utilization() float64 {
	if t.PeriodUS == 0 {
		return 0.0
	}
	return float64(t.RuntimeUS) / float64(t.PeriodUS)
}

// IsAssigned reports whether the scheduler has fully placed the task.
// Both the node and the CPU must be set; a half-assigned task is an
// invalid intermediate state that never leaves the algorithm body.
func (t *Task) IsAssigned() bool {
	return t.AssignedNode != "" && t.AssignedCPU != nil
}

// SchedTask is the wire-ready, immutable per-task placement result.
// Period, runtime and deadline are converted to nanoseconds for the
// node agents; release time stays in microseconds.
type SchedTask struct {
	Name         string      `json:"name"`
	AssignedNode string      `json:"assigned_node"`
	AssignedCPU  int         `json:"assigned_cpu"`
	Policy       SchedPolicy `json:"policy"`
	Priority     int         `json:"priority"`

	PeriodNS      uint64 `json:"period_ns"`
	RuntimeNS     uint64 `json:"runtime_ns"`
	DeadlineNS    uint64 `json:"deadline_ns"`
	ReleaseTimeUS uint32 `json:"release_time_us"`
	MaxDmiss      int    `json:"max_consecutive_deadline_misses"`
}

// NewSchedTask converts a fully-assigned Task into a SchedTask.
// Calling it on an unassigned task is a contract violation; the
// assignment fields degrade to zero values rather than corrupting the
// result map.
func NewSchedTask(t *Task) SchedTask {
	cpu := 0
	if t.AssignedCPU != nil {
		cpu = *t.AssignedCPU
	}
	return SchedTask{
		Name:          t.Name,
		AssignedNode:  t.AssignedNode,
		AssignedCPU:   cpu,
		Policy:        t.Policy,
		Priority:      t.Priority,
		PeriodNS:      saturatingMulThousand(t.PeriodUS),
		RuntimeNS:     saturatingMulThousand(t.RuntimeUS),
		DeadlineNS:    saturatingMulThousand(t.DeadlineUS),
		ReleaseTimeUS: t.ReleaseTimeUS,
		MaxDmiss:      t.MaxDmiss,
	}
}

// saturatingMulThousand converts µs to ns, clamping at MaxUint64 instead
// of wrapping.
func saturatingMulThousand(us uint64) uint64 {
	if us > math.MaxUint64/1000 {
		return math.MaxUint64
	}
	return us * 1000
}

// NodeSchedMap is the scheduler's sole output artifact: node id to the
// ordered list of tasks placed on it. Unassigned tasks are never present.
type NodeSchedMap map[string][]SchedTask
