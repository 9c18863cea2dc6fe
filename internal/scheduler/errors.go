package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTasks is returned when Schedule is called with an empty task list
	ErrNoTasks = errors.New("no tasks provided")

	// ErrConfigNotLoaded is returned when no node configuration snapshot has been loaded
	ErrConfigNotLoaded = errors.New("node configuration is not loaded")

	// ErrNoAvailableCPU is the admission reason when no CPU on a node has
	// enough headroom for the task
	ErrNoAvailableCPU = errors.New("no CPU on this node can accommodate the task utilization")
)

// UnknownAlgorithmError is returned for an unrecognized algorithm selector.
// There is no default algorithm; the selector is validated input.
type UnknownAlgorithmError struct {
	Algorithm string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("unknown scheduling algorithm %q (valid: %s, %s, %s)",
		e.Algorithm, AlgorithmTargetNodePriority, AlgorithmLeastLoaded, AlgorithmBestFitDecreasing)
}

// MissingWorkloadIDError is returned when target_node_priority receives a
// task without a workload identifier.
type MissingWorkloadIDError struct {
	Task string
}

func (e *MissingWorkloadIDError) Error() string {
	return fmt.Sprintf("task %q has no workload_id", e.Task)
}

// MissingTargetNodeError is returned when target_node_priority receives a
// task without a target node.
type MissingTargetNodeError struct {
	Task string
}

func (e *MissingTargetNodeError) Error() string {
	return fmt.Sprintf("task %q has no target_node", e.Task)
}

// NodeNotFoundError is the admission reason when the candidate node is not
// in the configuration snapshot.
type NodeNotFoundError struct {
	Node string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %q not found in configuration", e.Node)
}

// InsufficientMemoryError is the admission reason when a task's memory
// requirement exceeds the node's configured cap.
type InsufficientMemoryError struct {
	RequiredMB  uint64
	AvailableMB uint64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("task requires %dMB but node only has %dMB", e.RequiredMB, e.AvailableMB)
}

// CPUAffinityError is the admission reason when a pinned CPU is not in the
// node's CPU set.
type CPUAffinityError struct {
	RequestedCPU int
}

func (e *CPUAffinityError) Error() string {
	return fmt.Sprintf("pinned CPU %d is not in this node's CPU set", e.RequestedCPU)
}

// CPUUtilizationError reports a CPU whose utilization would exceed the
// threshold after adding a task.
type CPUUtilizationError struct {
	CPU       int
	Current   float64
	Added     float64
	Threshold float64
}

func (e *CPUUtilizationError) Error() string {
	return fmt.Sprintf("CPU %d utilization would be %.1f%% + %.1f%% = %.1f%% (threshold %.0f%%)",
		e.CPU, e.Current*100, e.Added*100, (e.Current+e.Added)*100, e.Threshold*100)
}

// AdmissionError is returned when a task is rejected for a specific node.
// Reason is one of NodeNotFoundError, InsufficientMemoryError,
// CPUAffinityError, CPUUtilizationError or ErrNoAvailableCPU, exposed via
// Unwrap for errors.Is / errors.As.
type AdmissionError struct {
	Task   string
	Node   string
	Reason error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("task %q rejected by node %q: %v", e.Task, e.Node, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// NoSchedulableNodeError is returned when no configured node can accept a
// task under least_loaded or best_fit_decreasing.
type NoSchedulableNodeError struct {
	Task string
}

func (e *NoSchedulableNodeError) Error() string {
	return fmt.Sprintf("no schedulable node found for task %q", e.Task)
}
