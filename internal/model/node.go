package model

import "time"

// NodeHealth represents the reported health of a compute node
type NodeHealth string

const (
	NodeHealthHealthy   NodeHealth = "healthy"
	NodeHealthUnhealthy NodeHealth = "unhealthy"
	NodeHealthOffline   NodeHealth = "offline"
)

// NodeStatus is the periodic heartbeat a node reporter publishes.
// It carries observed host usage, not the static configuration the
// scheduler plans against.
type NodeStatus struct {
	Node        string     `json:"node"`
	Health      NodeHealth `json:"health"`
	CPUUsage    float64    `json:"cpu_usage"`
	MemoryUsage float64    `json:"memory_usage"`
	CollectedAt time.Time  `json:"collected_at"`
}
