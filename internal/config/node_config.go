package config

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// NodeConfig describes the static hardware of one compute node.
// MemoryUnlimited (the zero-config default) means the node advertises no
// memory cap.
type NodeConfig struct {
	Name          string `json:"name"`
	AvailableCPUs []int  `json:"available_cpus"`
	MaxMemoryMB   uint64 `json:"max_memory_mb"`
	Architecture  string `json:"architecture,omitempty"`
	Location      string `json:"location,omitempty"`
	Description   string `json:"description,omitempty"`
}

// MemoryUnlimited is the MaxMemoryMB value for nodes without a cap.
const MemoryUnlimited uint64 = math.MaxUint64

// nodeConfigFile mirrors one entry of the nodes YAML document.
type nodeConfigFile struct {
	AvailableCPUs []int   `mapstructure:"available_cpus"`
	MaxMemoryMB   *uint64 `mapstructure:"max_memory_mb"`
	Architecture  string  `mapstructure:"architecture"`
	Location      string  `mapstructure:"location"`
	Description   string  `mapstructure:"description"`
}

// NodeConfigManager loads and serves the node configuration snapshot.
// The snapshot is immutable once loaded; accessors hand out copies so
// callers can never mutate shared state.
type NodeConfigManager struct {
	logger *zap.Logger
	mu     sync.RWMutex
	nodes  map[string]NodeConfig
	loaded bool
}

// NewNodeConfigManager creates an empty, not-yet-loaded manager.
func NewNodeConfigManager(logger *zap.Logger) *NodeConfigManager {
	return &NodeConfigManager{
		logger: logger.Named("node-config"),
		nodes:  make(map[string]NodeConfig),
	}
}

// LoadFromFile reads the node configuration YAML.
//
// Expected structure:
//
//	nodes:
//	  node01:
//	    available_cpus: [2, 3]
//	    max_memory_mb: 4096
//	    architecture: "aarch64"
//	    location: "front_zone"
//	    description: "Perception node"
func (m *NodeConfigManager) LoadFromFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read node config %s: %w", path, err)
	}

	var raw map[string]nodeConfigFile
	if err := v.UnmarshalKey("nodes", &raw); err != nil {
		return fmt.Errorf("failed to parse node config %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("node config %s contains no nodes", path)
	}

	nodes := make(map[string]NodeConfig, len(raw))
	for name, entry := range raw {
		if len(entry.AvailableCPUs) == 0 {
			return fmt.Errorf("node %s has no available_cpus", name)
		}
		for _, cpu := range entry.AvailableCPUs {
			if cpu < 0 {
				return fmt.Errorf("node %s has negative CPU id %d", name, cpu)
			}
		}

		cpus := append([]int(nil), entry.AvailableCPUs...)
		sort.Ints(cpus)
		cpus = dedupInts(cpus)

		maxMem := MemoryUnlimited
		if entry.MaxMemoryMB != nil {
			maxMem = *entry.MaxMemoryMB
		}

		nodes[name] = NodeConfig{
			Name:          name,
			AvailableCPUs: cpus,
			MaxMemoryMB:   maxMem,
			Architecture:  entry.Architecture,
			Location:      entry.Location,
			Description:   entry.Description,
		}

		m.logger.Info("Node configured",
			zap.String("node", name),
			zap.Ints("cpus", cpus),
			zap.Uint64("max_memory_mb", maxMem),
			zap.String("location", entry.Location))
	}

	m.mu.Lock()
	m.nodes = nodes
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("Node configuration loaded",
		zap.String("path", path),
		zap.Int("node_count", len(nodes)))

	return nil
}

// IsLoaded reports whether a configuration snapshot has been loaded.
func (m *NodeConfigManager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// GetNodeConfig returns the configuration for one node, if present.
func (m *NodeConfigManager) GetNodeConfig(name string) (NodeConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.nodes[name]
	if !ok {
		return NodeConfig{}, false
	}
	cfg.AvailableCPUs = append([]int(nil), cfg.AvailableCPUs...)
	return cfg, true
}

// GetAllNodes returns a copy of the whole snapshot.
func (m *NodeConfigManager) GetAllNodes() map[string]NodeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]NodeConfig, len(m.nodes))
	for name, cfg := range m.nodes {
		cfg.AvailableCPUs = append([]int(nil), cfg.AvailableCPUs...)
		out[name] = cfg
	}
	return out
}

// NodeNames returns all configured node names in sorted order.
// Placement iterates nodes in this order so results are reproducible.
func (m *NodeConfigManager) NodeNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dedupInts(sorted []int) []int {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
