package hyperperiod

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/model"
)

// DefaultLimitUS is the default upper bound on a hyperperiod: 1 hour in
// microseconds. A workload whose periods multiply out past this is
// almost always a misconfiguration.
const DefaultLimitUS uint64 = 3_600_000_000

// Info is the computed hyperperiod for one workload.
type Info struct {
	WorkloadID    string   `json:"workload_id"`
	HyperperiodUS uint64   `json:"hyperperiod_us"`
	UniquePeriods []uint64 `json:"unique_periods"`
	TaskCount     int      `json:"task_count"`
}

// Manager computes and caches per-workload hyperperiods.
type Manager struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	entries map[string]Info
	limitUS uint64
}

// NewManager creates a manager with the default 1-hour limit.
func NewManager(logger *zap.Logger) *Manager {
	return NewManagerWithLimit(logger, DefaultLimitUS)
}

// NewManagerWithLimit creates a manager with a custom hyperperiod limit
// in microseconds.
func NewManagerWithLimit(logger *zap.Logger, limitUS uint64) *Manager {
	return &Manager{
		logger:  logger.Named("hyperperiod"),
		entries: make(map[string]Info),
		limitUS: limitUS,
	}
}

// Calculate computes and stores the hyperperiod for workloadID.
//
// Only tasks whose WorkloadID matches and whose period is non-zero
// contribute; callers may pass a shared superset of tasks without
// pre-filtering. Errors: ErrNoValidPeriods, *OverflowError,
// *TooLargeError. On success the previous entry for the workload is
// replaced.
func (m *Manager) Calculate(workloadID string, tasks []model.Task) (Info, error) {
	var periods []uint64
	matching := 0
	for i := range tasks {
		if tasks[i].WorkloadID == workloadID && tasks[i].PeriodUS > 0 {
			periods = append(periods, tasks[i].PeriodUS)
			matching++
		}
	}

	if matching == 0 {
		m.logger.Warn("No tasks with valid periods",
			zap.String("workload_id", workloadID))
		return Info{}, ErrNoValidPeriods
	}

	// Distinct periods, ascending, so identical workloads always produce
	// identical Info values.
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	unique := periods[:1]
	for _, p := range periods[1:] {
		if p != unique[len(unique)-1] {
			unique = append(unique, p)
		}
	}

	value, err := LcmOfSlice(unique)
	if err != nil {
		return Info{}, err
	}

	if value > m.limitUS {
		m.logger.Warn("Hyperperiod exceeds configured limit",
			zap.String("workload_id", workloadID),
			zap.Uint64("hyperperiod_us", value),
			zap.Uint64("limit_us", m.limitUS))
		return Info{}, &TooLargeError{ValueUS: value, LimitUS: m.limitUS}
	}

	info := Info{
		WorkloadID:    workloadID,
		HyperperiodUS: value,
		UniquePeriods: unique,
		TaskCount:     matching,
	}

	m.mu.Lock()
	m.entries[workloadID] = info
	m.mu.Unlock()

	m.logger.Info("Calculated hyperperiod",
		zap.String("workload_id", workloadID),
		zap.Int("task_count", matching),
		zap.Int("unique_periods", len(unique)),
		zap.Uint64("hyperperiod_us", value))

	return info, nil
}

// Get returns the stored hyperperiod for workloadID, if present.
func (m *Manager) Get(workloadID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.entries[workloadID]
	return info, ok
}

// Has reports whether a hyperperiod is stored for workloadID.
func (m *Manager) Has(workloadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[workloadID]
	return ok
}

// ClearWorkload removes the entry for workloadID, if present.
func (m *Manager) ClearWorkload(workloadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[workloadID]; ok {
		delete(m.entries, workloadID)
		m.logger.Info("Cleared hyperperiod", zap.String("workload_id", workloadID))
	}
}

// ClearAll removes every stored entry.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 {
		m.logger.Info("Cleared hyperperiod data",
			zap.Int("workload_count", len(m.entries)))
		m.entries = make(map[string]Info)
	}
}

// Count returns the number of stored workloads.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
