package model

import (
	"encoding/json"
	"time"
)

// PlanSchedule represents a recurring re-placement of a workload.
// The payload is a full schedule request replayed on every trigger.
type PlanSchedule struct {
	ID          string          `json:"id"`
	WorkloadID  string          `json:"workload_id"`
	Expression  string          `json:"expression"`
	Payload     json.RawMessage `json:"payload"`
	LastRunTime *time.Time      `json:"last_run_time,omitempty"`
	NextRunTime *time.Time      `json:"next_run_time,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
