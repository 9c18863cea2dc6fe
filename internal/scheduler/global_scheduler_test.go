package scheduler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/config"
	"github.com/t77yq/rt-placement/internal/model"
)

// twoNodeScheduler builds a scheduler over:
//
//	node01 – CPUs [2, 3]       – 4096 MB
//	node02 – CPUs [2, 3, 4, 5] – 8192 MB
func twoNodeScheduler(t *testing.T) *GlobalScheduler {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  node01:
    available_cpus: [2, 3]
    max_memory_mb: 4096
  node02:
    available_cpus: [2, 3, 4, 5]
    max_memory_mb: 8192
`), 0o644))

	mgr := config.NewNodeConfigManager(zap.NewNop())
	require.NoError(t, mgr.LoadFromFile(path))
	return NewGlobalScheduler(mgr, zap.NewNop())
}

func placementTask(name, workload, target string, periodUS, runtimeUS uint64) model.Task {
	return model.Task{
		Name:       name,
		WorkloadID: workload,
		TargetNode: target,
		PeriodUS:   periodUS,
		RuntimeUS:  runtimeUS,
		DeadlineUS: periodUS,
	}
}

func TestTargetNodePriority(t *testing.T) {
	t.Run("Assigns Named Node", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		schedMap, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "node01", 10_000, 1_000)},
			AlgorithmTargetNodePriority)
		require.NoError(t, err)

		require.Contains(t, schedMap, "node01")
		assert.NotContains(t, schedMap, "node02")
		require.Len(t, schedMap["node01"], 1)
		assert.Equal(t, "t1", schedMap["node01"][0].Name)
	})

	t.Run("Respects Pinned Affinity", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		task := placementTask("pinned", "wl1", "node01", 10_000, 1_000)
		task.Affinity = model.NewCPUAffinity(0b0100) // CPU 2

		schedMap, err := sched.Schedule([]model.Task{task}, AlgorithmTargetNodePriority)
		require.NoError(t, err)
		assert.Equal(t, 2, schedMap["node01"][0].AssignedCPU)
	})

	t.Run("Pinned CPU Outside Node Set", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		task := placementTask("pinned", "wl1", "node01", 10_000, 1_000)
		task.Affinity = model.NewCPUAffinity(1 << 7) // node01 has no CPU 7

		_, err := sched.Schedule([]model.Task{task}, AlgorithmTargetNodePriority)
		require.Error(t, err)

		var affinity *CPUAffinityError
		require.True(t, errors.As(err, &affinity))
		assert.Equal(t, 7, affinity.RequestedCPU)
	})

	t.Run("Missing Target Node", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		_, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "", 10_000, 1_000)},
			AlgorithmTargetNodePriority)

		var missing *MissingTargetNodeError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, "t1", missing.Task)
	})

	t.Run("Missing Workload ID", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		_, err := sched.Schedule(
			[]model.Task{placementTask("t1", "", "node01", 10_000, 1_000)},
			AlgorithmTargetNodePriority)

		var missing *MissingWorkloadIDError
		assert.True(t, errors.As(err, &missing))
	})

	t.Run("Unknown Node Fails Admission", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		_, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "node99", 10_000, 1_000)},
			AlgorithmTargetNodePriority)

		var admission *AdmissionError
		require.True(t, errors.As(err, &admission))

		var notFound *NodeNotFoundError
		assert.True(t, errors.As(admission.Reason, &notFound))
	})
}

func TestAdmissionRejectsOverMemory(t *testing.T) {
	sched := twoNodeScheduler(t)

	task := placementTask("mem_hog", "wl1", "node01", 10_000, 1_000)
	task.MemoryMB = 5_000 // node01 caps at 4096

	_, err := sched.Schedule([]model.Task{task}, AlgorithmTargetNodePriority)
	require.Error(t, err)

	var admission *AdmissionError
	require.True(t, errors.As(err, &admission))
	assert.Equal(t, "mem_hog", admission.Task)
	assert.Equal(t, "node01", admission.Node)

	var mem *InsufficientMemoryError
	require.True(t, errors.As(err, &mem))
	assert.Equal(t, uint64(5_000), mem.RequiredMB)
	assert.Equal(t, uint64(4_096), mem.AvailableMB)
}

func TestZeroMemoryRequirementIsExempt(t *testing.T) {
	sched := twoNodeScheduler(t)

	// MemoryMB == 0 means "not yet specified", not a zero requirement
	task := placementTask("no_mem", "wl1", "node01", 10_000, 1_000)
	task.MemoryMB = 0

	_, err := sched.Schedule([]model.Task{task}, AlgorithmTargetNodePriority)
	assert.NoError(t, err)
}

func TestLeastLoaded(t *testing.T) {
	t.Run("Single Task Lands On One Node", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		schedMap, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "", 10_000, 1_000)},
			AlgorithmLeastLoaded)
		require.NoError(t, err)

		total := 0
		for _, tasks := range schedMap {
			total += len(tasks)
		}
		assert.Equal(t, 1, total)
	})

	t.Run("Tie Breaks Alphabetically", func(t *testing.T) {
		// Both nodes start at zero utilization; the alphabetically first
		// node must win every time
		sched := twoNodeScheduler(t)
		schedMap, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "", 10_000, 1_000)},
			AlgorithmLeastLoaded)
		require.NoError(t, err)
		assert.Contains(t, schedMap, "node01")
	})

	t.Run("All Tasks Scheduled", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		schedMap, err := sched.Schedule([]model.Task{
			placementTask("t1", "wl1", "", 10_000, 1_000),
			placementTask("t2", "wl1", "", 10_000, 1_000),
		}, AlgorithmLeastLoaded)
		require.NoError(t, err)

		total := 0
		for _, tasks := range schedMap {
			total += len(tasks)
		}
		assert.Equal(t, 2, total)
	})
}

func TestSchedulerIsDeterministic(t *testing.T) {
	sched := twoNodeScheduler(t)

	makeTasks := func() []model.Task {
		return []model.Task{
			placementTask("t1", "wl1", "", 10_000, 1_000),
			placementTask("t2", "wl1", "", 20_000, 3_000),
			placementTask("t3", "wl1", "", 50_000, 5_000),
		}
	}

	reference, err := sched.Schedule(makeTasks(), AlgorithmLeastLoaded)
	require.NoError(t, err)

	for i := 0; i < 49; i++ {
		schedMap, err := sched.Schedule(makeTasks(), AlgorithmLeastLoaded)
		require.NoError(t, err)
		assert.Equal(t, reference, schedMap,
			"identical input must produce identical output (run %d)", i+2)
	}
}

func TestBestFitDecreasing(t *testing.T) {
	t.Run("Schedules All Tasks", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		schedMap, err := sched.Schedule([]model.Task{
			placementTask("small", "wl1", "", 10_000, 500),
			placementTask("large", "wl1", "", 10_000, 3_000),
			placementTask("medium", "wl1", "", 10_000, 1_500),
		}, AlgorithmBestFitDecreasing)
		require.NoError(t, err)

		total := 0
		for _, tasks := range schedMap {
			total += len(tasks)
		}
		assert.Equal(t, 3, total)
	})

	t.Run("Processes Largest Runtime First", func(t *testing.T) {
		// All three tasks name the same node, so per-node insertion order
		// exposes the processing order
		sched := twoNodeScheduler(t)
		schedMap, err := sched.Schedule([]model.Task{
			placementTask("small", "wl1", "node01", 10_000, 500),
			placementTask("large", "wl1", "node01", 10_000, 3_000),
			placementTask("medium", "wl1", "node01", 10_000, 1_500),
		}, AlgorithmBestFitDecreasing)
		require.NoError(t, err)

		require.Len(t, schedMap["node01"], 3)
		assert.Equal(t, "large", schedMap["node01"][0].Name)
		assert.Equal(t, "medium", schedMap["node01"][1].Name)
		assert.Equal(t, "small", schedMap["node01"][2].Name)
	})

	t.Run("Target Node Hint Falls Back When Unavailable", func(t *testing.T) {
		sched := twoNodeScheduler(t)

		// node99 is not configured; the hint cannot be honored, but the
		// task still lands somewhere instead of failing the run
		task := placementTask("hinted", "wl1", "node99", 10_000, 1_000)
		schedMap, err := sched.Schedule([]model.Task{task}, AlgorithmBestFitDecreasing)
		require.NoError(t, err)

		total := 0
		for _, tasks := range schedMap {
			total += len(tasks)
		}
		assert.Equal(t, 1, total)
	})
}

func TestUtilizationThreshold(t *testing.T) {
	sched := twoNodeScheduler(t)

	// The filler takes CPU 3 to 85%; the second task pinned to the same
	// CPU would land at 95% > 90%, so it must fall back to CPU 2
	filler := placementTask("filler", "wl1", "node01", 10_000, 8_500)
	filler.Affinity = model.NewCPUAffinity(1 << 3)
	over := placementTask("over", "wl1", "node01", 10_000, 1_000)
	over.Affinity = model.NewCPUAffinity(1 << 3)

	schedMap, err := sched.Schedule([]model.Task{filler, over}, AlgorithmTargetNodePriority)
	require.NoError(t, err)

	require.Len(t, schedMap["node01"], 2)
	assert.Equal(t, 3, schedMap["node01"][0].AssignedCPU)
	assert.Equal(t, 2, schedMap["node01"][1].AssignedCPU, "must fall back, never exceed the cap")
}

func TestNoCPUWithHeadroomFailsCleanly(t *testing.T) {
	sched := twoNodeScheduler(t)

	// Two 85% tasks saturate both of node01's CPUs; the third cannot fit
	tasks := []model.Task{
		placementTask("a", "wl1", "node01", 10_000, 8_500),
		placementTask("b", "wl1", "node01", 10_000, 8_500),
		placementTask("c", "wl1", "node01", 10_000, 8_500),
	}

	_, err := sched.Schedule(tasks, AlgorithmTargetNodePriority)
	require.Error(t, err)

	var admission *AdmissionError
	require.True(t, errors.As(err, &admission))
	assert.Equal(t, "c", admission.Task)
	assert.ErrorIs(t, err, ErrNoAvailableCPU)
}

func TestPinnedCPUSaturationReportsUtilization(t *testing.T) {
	sched := twoNodeScheduler(t)

	// Both CPUs filled to 85%; the pinned task cannot use CPU 3 nor fall
	// back, and the error carries the pinned CPU's numbers
	filler2 := placementTask("filler2", "wl1", "node01", 10_000, 8_500)
	filler2.Affinity = model.NewCPUAffinity(1 << 2)
	filler3 := placementTask("filler3", "wl1", "node01", 10_000, 8_500)
	filler3.Affinity = model.NewCPUAffinity(1 << 3)
	pinned := placementTask("pinned", "wl1", "node01", 10_000, 1_000)
	pinned.Affinity = model.NewCPUAffinity(1 << 3)

	_, err := sched.Schedule([]model.Task{filler2, filler3, pinned}, AlgorithmTargetNodePriority)
	require.Error(t, err)

	var util *CPUUtilizationError
	require.True(t, errors.As(err, &util))
	assert.Equal(t, 3, util.CPU)
	assert.InDelta(t, 0.85, util.Current, 1e-9)
	assert.InDelta(t, 0.10, util.Added, 1e-9)
}

func TestSchedulePreconditions(t *testing.T) {
	t.Run("No Tasks", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		_, err := sched.Schedule(nil, AlgorithmTargetNodePriority)
		assert.ErrorIs(t, err, ErrNoTasks)
	})

	t.Run("Unknown Algorithm", func(t *testing.T) {
		sched := twoNodeScheduler(t)
		_, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "node01", 10_000, 1_000)},
			"round_robin_nonsense")

		var unknown *UnknownAlgorithmError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "round_robin_nonsense", unknown.Algorithm)
	})

	t.Run("Config Not Loaded", func(t *testing.T) {
		mgr := config.NewNodeConfigManager(zap.NewNop())
		sched := NewGlobalScheduler(mgr, zap.NewNop())
		_, err := sched.Schedule(
			[]model.Task{placementTask("t1", "wl1", "node01", 10_000, 1_000)},
			AlgorithmTargetNodePriority)
		assert.ErrorIs(t, err, ErrConfigNotLoaded)
	})
}

func TestFeasibilityReport(t *testing.T) {
	sched := twoNodeScheduler(t)

	// Three 35% tasks on one node: U = 1.05 > bound(3) ≈ 0.780.
	// The run still succeeds — the bound is advisory.
	tasks := []model.Task{
		placementTask("a", "wl1", "node01", 100_000, 35_000),
		placementTask("b", "wl1", "node01", 100_000, 35_000),
		placementTask("c", "wl1", "node01", 100_000, 35_000),
	}

	_, err := sched.Schedule(tasks, AlgorithmTargetNodePriority)
	require.NoError(t, err)

	warnings := sched.FeasibilityReport(tasks)
	require.Len(t, warnings, 1)
	assert.Equal(t, "node01", warnings[0].Node)
	assert.InDelta(t, 1.05, warnings[0].Utilization, 1e-6)
	assert.Equal(t, 3, warnings[0].TaskCount)
}
