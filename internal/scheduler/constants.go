package scheduler

// Algorithm selector values accepted by GlobalScheduler.Schedule. Any
// other string is an input-validation error, not a fallback.
const (
	AlgorithmTargetNodePriority = "target_node_priority"
	AlgorithmLeastLoaded        = "least_loaded"
	AlgorithmBestFitDecreasing  = "best_fit_decreasing"
)

// cpuUtilizationThreshold is the per-CPU utilization cap applied during
// CPU selection. The Liu & Layland bound in feasibility.go contextualizes
// this value; the 90% heuristic is the enforced limit.
const cpuUtilizationThreshold = 0.90
