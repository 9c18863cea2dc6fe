package scheduler

import (
	"sort"

	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/config"
	"github.com/t77yq/rt-placement/internal/model"
)

// GlobalScheduler places periodic tasks onto nodes and CPUs. It holds
// only the immutable configuration snapshot; every Schedule call builds
// its own capacity state and discards it on return, so independent calls
// may run concurrently.
type GlobalScheduler struct {
	logger     *zap.Logger
	nodeConfig *config.NodeConfigManager
}

// runState is the per-call working state.
type runState struct {
	// nodeNames is the sorted iteration order for every node scan. Name
	// order, not map order — tie-breaking and output must be reproducible.
	nodeNames []string

	// avail maps node id to its sorted CPU ids.
	avail map[string][]int

	// util maps node id to per-CPU utilization fractions.
	util map[string]map[int]float64
}

// FeasibilityWarning reports one node whose placed task set exceeds the
// Liu & Layland bound. Diagnostic only; the schedule stands.
type FeasibilityWarning struct {
	Node        string  `json:"node"`
	Utilization float64 `json:"utilization"`
	Bound       float64 `json:"bound"`
	TaskCount   int     `json:"task_count"`
}

// NewGlobalScheduler creates a scheduler backed by the given node
// configuration snapshot.
func NewGlobalScheduler(nodeConfig *config.NodeConfigManager, logger *zap.Logger) *GlobalScheduler {
	return &GlobalScheduler{
		logger:     logger.Named("global-scheduler"),
		nodeConfig: nodeConfig,
	}
}

// Schedule places tasks using the named algorithm and returns the
// per-node map of wire-ready records.
//
// The task slice is mutated in place: assignment fields are filled as the
// algorithm runs, and best_fit_decreasing reorders the slice. Placement
// is all-or-nothing — the first admission or selection failure aborts the
// whole call and no partial schedule is returned.
func (s *GlobalScheduler) Schedule(tasks []model.Task, algorithm string) (model.NodeSchedMap, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if !s.nodeConfig.IsLoaded() {
		return nil, ErrConfigNotLoaded
	}

	rs := s.buildRunState()

	s.logger.Info("Scheduling run started",
		zap.String("algorithm", algorithm),
		zap.Int("task_count", len(tasks)),
		zap.Int("node_count", len(rs.nodeNames)))

	var err error
	switch algorithm {
	case AlgorithmTargetNodePriority:
		err = s.scheduleTargetNodePriority(tasks, rs)
	case AlgorithmLeastLoaded:
		err = s.scheduleLeastLoaded(tasks, rs)
	case AlgorithmBestFitDecreasing:
		err = s.scheduleBestFitDecreasing(tasks, rs)
	default:
		return nil, &UnknownAlgorithmError{Algorithm: algorithm}
	}
	if err != nil {
		return nil, err
	}

	for _, w := range s.FeasibilityReport(tasks) {
		s.logger.Warn("Task set may not be RM-schedulable, response time analysis required",
			zap.String("node", w.Node),
			zap.Float64("utilization", w.Utilization),
			zap.Float64("bound", w.Bound),
			zap.Int("task_count", w.TaskCount))
	}

	schedMap := buildSchedMap(tasks)

	total := 0
	for _, ts := range schedMap {
		total += len(ts)
	}
	s.logger.Info("Scheduling run complete",
		zap.Int("node_count", len(schedMap)),
		zap.Int("total_tasks", total))

	return schedMap, nil
}

// FeasibilityReport groups assigned tasks by node and checks each group
// against the Liu & Layland bound. Callers use it after Schedule to
// surface advisory warnings; it never affects the result.
func (s *GlobalScheduler) FeasibilityReport(tasks []model.Task) []FeasibilityWarning {
	byNode := make(map[string][]*model.Task)
	for i := range tasks {
		if tasks[i].AssignedNode != "" {
			byNode[tasks[i].AssignedNode] = append(byNode[tasks[i].AssignedNode], &tasks[i])
		}
	}

	nodes := make([]string, 0, len(byNode))
	for node := range byNode {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var warnings []FeasibilityWarning
	for _, node := range nodes {
		group := byNode[node]
		if total, exceeded := CheckLiuLayland(group); exceeded {
			warnings = append(warnings, FeasibilityWarning{
				Node:        node,
				Utilization: total,
				Bound:       LiuLaylandBound(len(group)),
				TaskCount:   len(group),
			})
		}
	}
	return warnings
}

// ── Algorithm 1: target_node_priority ────────────────────────────────────

func (s *GlobalScheduler) scheduleTargetNodePriority(tasks []model.Task, rs *runState) error {
	s.logger.Info("Executing target_node_priority algorithm")

	for i := range tasks {
		task := &tasks[i]
		if task.WorkloadID == "" {
			return &MissingWorkloadIDError{Task: task.Name}
		}
		if task.TargetNode == "" {
			return &MissingTargetNodeError{Task: task.Name}
		}

		node := task.TargetNode
		if reason := s.checkAdmission(task, node, rs); reason != nil {
			return &AdmissionError{Task: task.Name, Node: node, Reason: reason}
		}

		cpu, ok := s.findBestCPUForTask(task, node, rs)
		if !ok {
			return &AdmissionError{Task: task.Name, Node: node, Reason: s.cpuSelectionFailure(task, node, rs)}
		}

		s.assignCPUToTask(task, node, cpu, rs)
	}

	s.logger.Info("target_node_priority done", zap.Int("scheduled", len(tasks)))
	return nil
}

// ── Algorithm 2: least_loaded ────────────────────────────────────────────

func (s *GlobalScheduler) scheduleLeastLoaded(tasks []model.Task, rs *runState) error {
	s.logger.Info("Executing least_loaded algorithm")

	for i := range tasks {
		task := &tasks[i]

		node, ok := s.findLeastLoadedNode(task, rs)
		if !ok {
			return &NoSchedulableNodeError{Task: task.Name}
		}

		// Node selection already verified a CPU candidate exists
		cpu, ok := s.findBestCPUForTask(task, node, rs)
		if !ok {
			return &NoSchedulableNodeError{Task: task.Name}
		}

		s.assignCPUToTask(task, node, cpu, rs)
	}

	s.logger.Info("least_loaded done", zap.Int("scheduled", len(tasks)))
	return nil
}

// findLeastLoadedNode picks the admitting node with the lowest current
// total utilization. Nodes are scanned in name order, so a tie goes to
// the alphabetically first node.
func (s *GlobalScheduler) findLeastLoadedNode(task *model.Task, rs *runState) (string, bool) {
	best := ""
	lowest := 0.0

	for _, node := range rs.nodeNames {
		if len(rs.avail[node]) == 0 {
			continue
		}
		if s.checkAdmission(task, node, rs) != nil {
			continue
		}
		if _, ok := s.findBestCPUForTask(task, node, rs); !ok {
			continue
		}

		u := nodeUtilization(rs, node)
		if best == "" || u < lowest {
			best = node
			lowest = u
		}
	}

	return best, best != ""
}

// ── Algorithm 3: best_fit_decreasing ─────────────────────────────────────

func (s *GlobalScheduler) scheduleBestFitDecreasing(tasks []model.Task, rs *runState) error {
	s.logger.Info("Executing best_fit_decreasing algorithm")

	// Largest WCET first — the "decreasing" in best-fit-decreasing.
	// SliceStable keeps input order among equal runtimes deterministic.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].RuntimeUS > tasks[j].RuntimeUS
	})

	for i := range tasks {
		task := &tasks[i]

		node, ok := s.findBestFitNode(task, rs)
		if !ok {
			return &NoSchedulableNodeError{Task: task.Name}
		}

		cpu, ok := s.findBestCPUForTask(task, node, rs)
		if !ok {
			return &NoSchedulableNodeError{Task: task.Name}
		}

		s.assignCPUToTask(task, node, cpu, rs)
	}

	s.logger.Info("best_fit_decreasing done", zap.Int("scheduled", len(tasks)))
	return nil
}

// findBestFitNode picks the node that will be most tightly packed after
// the assignment while its total utilization stays within its CPU count.
// A target_node hint is honored first, falling back to auto-selection
// with a warning when the hinted node cannot admit the task.
func (s *GlobalScheduler) findBestFitNode(task *model.Task, rs *runState) (string, bool) {
	if task.TargetNode != "" {
		node := task.TargetNode
		if s.checkAdmission(task, node, rs) == nil {
			if _, ok := s.findBestCPUForTask(task, node, rs); ok {
				s.logger.Debug("Using target_node hint",
					zap.String("task", task.Name),
					zap.String("node", node))
				return node, true
			}
		}
		s.logger.Warn("target_node hint not available, falling back to auto-select",
			zap.String("task", task.Name),
			zap.String("node", node))
	}

	taskUtil := task.Utilization()
	best := ""
	bestAfter := -1.0

	for _, node := range rs.nodeNames {
		cpus := rs.avail[node]
		if len(cpus) == 0 {
			continue
		}
		if s.checkAdmission(task, node, rs) != nil {
			continue
		}
		if _, ok := s.findBestCPUForTask(task, node, rs); !ok {
			continue
		}

		after := nodeUtilization(rs, node) + taskUtil
		if after <= float64(len(cpus)) && after > bestAfter {
			bestAfter = after
			best = node
		}
	}

	return best, best != ""
}

// ── Admission control ────────────────────────────────────────────────────

// checkAdmission gates a task/node pair before CPU selection. Checks run
// in a fixed order and the first failure wins:
//  1. node exists in the snapshot
//  2. memory requirement fits (tasks with MemoryMB == 0 are exempt —
//     "not yet specified" is not a zero requirement)
//  3. a pinned CPU is a member of the node's CPU set
func (s *GlobalScheduler) checkAdmission(task *model.Task, node string, rs *runState) error {
	cfg, ok := s.nodeConfig.GetNodeConfig(node)
	if !ok {
		return &NodeNotFoundError{Node: node}
	}

	if task.MemoryMB > 0 && task.MemoryMB > cfg.MaxMemoryMB {
		return &InsufficientMemoryError{
			RequiredMB:  task.MemoryMB,
			AvailableMB: cfg.MaxMemoryMB,
		}
	}

	if !task.Affinity.IsAny() {
		required := task.Affinity.RequiredCPU()
		if !containsInt(rs.avail[node], required) {
			return &CPUAffinityError{RequestedCPU: required}
		}
	}

	return nil
}

// ── CPU selection and assignment ─────────────────────────────────────────

// findBestCPUForTask selects a CPU on node for task.
//
// A pinned CPU is tried first; if it would exceed the utilization
// threshold, selection falls through to packing. Packing walks CPUs in
// descending id order and takes the first one with headroom, which
// concentrates load on high-numbered CPUs and keeps low-numbered ones
// free for later workloads.
func (s *GlobalScheduler) findBestCPUForTask(task *model.Task, node string, rs *runState) (int, bool) {
	cpus := rs.avail[node]
	if len(cpus) == 0 {
		return 0, false
	}

	taskUtil := task.Utilization()

	if !task.Affinity.IsAny() {
		pinned := task.Affinity.RequiredCPU()
		if containsInt(cpus, pinned) {
			current := cpuUtilization(rs, node, pinned)
			if current+taskUtil <= cpuUtilizationThreshold {
				s.logger.Debug("Using pinned CPU",
					zap.String("task", task.Name),
					zap.Int("cpu", pinned),
					zap.Float64("current_pct", current*100),
					zap.Float64("added_pct", taskUtil*100))
				return pinned, true
			}
			s.logger.Warn("Pinned CPU would exceed threshold, falling back to packing",
				zap.String("task", task.Name),
				zap.Int("cpu", pinned),
				zap.Float64("after_pct", (current+taskUtil)*100),
				zap.Float64("threshold_pct", cpuUtilizationThreshold*100))
		}
	}

	for i := len(cpus) - 1; i >= 0; i-- {
		cpu := cpus[i]
		current := cpuUtilization(rs, node, cpu)
		if current+taskUtil <= cpuUtilizationThreshold {
			s.logger.Debug("Selected CPU",
				zap.String("task", task.Name),
				zap.Int("cpu", cpu),
				zap.Float64("before_pct", current*100),
				zap.Float64("after_pct", (current+taskUtil)*100))
			return cpu, true
		}
	}

	return 0, false
}

// cpuSelectionFailure names the reason no CPU was selectable. A task
// pinned to a CPU that is in the node's set but over the threshold gets
// the per-CPU numbers; anything else is the generic no-headroom error.
// Admission runs first, so a pin outside the set never reaches here.
func (s *GlobalScheduler) cpuSelectionFailure(task *model.Task, node string, rs *runState) error {
	if !task.Affinity.IsAny() {
		pinned := task.Affinity.RequiredCPU()
		if containsInt(rs.avail[node], pinned) {
			return &CPUUtilizationError{
				CPU:       pinned,
				Current:   cpuUtilization(rs, node, pinned),
				Added:     task.Utilization(),
				Threshold: cpuUtilizationThreshold,
			}
		}
	}
	return ErrNoAvailableCPU
}

// assignCPUToTask records the placement and adds the task's utilization
// to the CPU's running total. The CPU stays in the pool — cores are
// shared under the threshold, not exclusively reserved.
func (s *GlobalScheduler) assignCPUToTask(task *model.Task, node string, cpu int, rs *runState) {
	task.AssignedNode = node
	assigned := cpu
	task.AssignedCPU = &assigned

	rs.util[node][cpu] += task.Utilization()

	s.logger.Info("Task scheduled",
		zap.String("task", task.Name),
		zap.String("node", node),
		zap.Int("cpu", cpu),
		zap.Float64("cpu_util_pct", rs.util[node][cpu]*100))
}

// ── Per-run state ────────────────────────────────────────────────────────

func (s *GlobalScheduler) buildRunState() *runState {
	rs := &runState{
		nodeNames: s.nodeConfig.NodeNames(),
		avail:     make(map[string][]int),
		util:      make(map[string]map[int]float64),
	}

	for name, cfg := range s.nodeConfig.GetAllNodes() {
		rs.avail[name] = cfg.AvailableCPUs

		cpuMap := make(map[int]float64, len(cfg.AvailableCPUs))
		for _, cpu := range cfg.AvailableCPUs {
			cpuMap[cpu] = 0.0
		}
		rs.util[name] = cpuMap
	}

	return rs
}

func cpuUtilization(rs *runState, node string, cpu int) float64 {
	return rs.util[node][cpu]
}

func nodeUtilization(rs *runState, node string) float64 {
	total := 0.0
	for _, u := range rs.util[node] {
		total += u
	}
	return total
}

// buildSchedMap converts the placed tasks into the final result map,
// grouped by node in task order. Tasks without a full assignment are
// skipped; an algorithm that completed without error leaves none.
func buildSchedMap(tasks []model.Task) model.NodeSchedMap {
	schedMap := make(model.NodeSchedMap)
	for i := range tasks {
		if tasks[i].IsAssigned() {
			schedMap[tasks[i].AssignedNode] = append(schedMap[tasks[i].AssignedNode], model.NewSchedTask(&tasks[i]))
		}
	}
	return schedMap
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
