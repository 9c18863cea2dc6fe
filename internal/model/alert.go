package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeFeasibility is raised when a node's placed task set
	// exceeds the rate-monotonic utilization bound.
	AlertTypeFeasibility AlertType = "feasibility_bound_exceeded"

	// AlertTypeNodeOffline is raised when a node stops heartbeating.
	AlertTypeNodeOffline AlertType = "node_offline"
)

// Alert represents an alert event published on the alert stream
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Node      string                 `json:"node,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
