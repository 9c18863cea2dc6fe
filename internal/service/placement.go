package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/hyperperiod"
	"github.com/t77yq/rt-placement/internal/model"
	"github.com/t77yq/rt-placement/internal/scheduler"
	"github.com/t77yq/rt-placement/internal/storage"
)

const (
	// PlacementRequestSubject is the request/reply subject clients send
	// ScheduleRequest messages to.
	PlacementRequestSubject = "placement.request"

	// planSubmitSubject carries workload descriptions replayed by the plan
	// scheduler; each message is a ScheduleRequest.
	planSubmitSubject = "plan.submit"

	// nodePlanSubjectPrefix + node id is where each node's plan lands.
	nodePlanSubjectPrefix = "plan.node."
)

// TaskSpec is the wire form of one task inside a ScheduleRequest.
// Policy and CPUAffinity carry the raw upstream encodings; timing fields
// are microseconds.
type TaskSpec struct {
	Name          string `json:"name"`
	TargetNode    string `json:"target_node,omitempty"`
	Policy        int    `json:"policy"`
	Priority      int    `json:"priority"`
	CPUAffinity   uint64 `json:"cpu_affinity"`
	MemoryMB      uint64 `json:"memory_mb,omitempty"`
	PeriodUS      uint64 `json:"period_us"`
	RuntimeUS     uint64 `json:"runtime_us"`
	DeadlineUS    uint64 `json:"deadline_us"`
	ReleaseTimeUS uint32 `json:"release_time_us"`
	MaxDmiss      int    `json:"max_consecutive_deadline_misses"`
}

// ScheduleRequest asks for a placement of one workload's task set.
type ScheduleRequest struct {
	RequestID  string     `json:"request_id,omitempty"`
	WorkloadID string     `json:"workload_id"`
	Algorithm  string     `json:"algorithm,omitempty"`
	Tasks      []TaskSpec `json:"tasks"`
}

// HyperperiodResult reports the workload hyperperiod alongside a plan.
// A failed calculation carries the error text; the plan itself is
// unaffected.
type HyperperiodResult struct {
	HyperperiodUS uint64   `json:"hyperperiod_us,omitempty"`
	UniquePeriods []uint64 `json:"unique_periods,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// ScheduleResponse is the reply to a ScheduleRequest. Exactly one of
// Plans or Error is populated.
type ScheduleResponse struct {
	RequestID   string                         `json:"request_id"`
	WorkloadID  string                         `json:"workload_id"`
	Algorithm   string                         `json:"algorithm"`
	Plans       model.NodeSchedMap             `json:"plans,omitempty"`
	Hyperperiod *HyperperiodResult             `json:"hyperperiod,omitempty"`
	Warnings    []scheduler.FeasibilityWarning `json:"feasibility_warnings,omitempty"`
	Error       string                         `json:"error,omitempty"`
}

// AlertPublisher publishes placement alerts. Satisfied by
// monitor.AlertManager.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert model.Alert) error
}

// PlacementService ties the scheduler to the messaging fabric. It
// answers schedule requests, consumes cron-replayed plan submissions,
// fans placed plans out to the node subjects, and records each run in
// the plan history.
type PlacementService struct {
	logger       *zap.Logger
	nc           *nats.Conn
	js           nats.JetStreamContext
	scheduler    *scheduler.GlobalScheduler
	hyperperiods *hyperperiod.Manager
	history      storage.PlanHistoryStorage
	alerts       AlertPublisher
}

// NewPlacementService creates a placement service. History and alerts
// are optional; pass nil to disable recording or alerting.
func NewPlacementService(
	nc *nats.Conn,
	js nats.JetStreamContext,
	sched *scheduler.GlobalScheduler,
	hyperperiods *hyperperiod.Manager,
	history storage.PlanHistoryStorage,
	alerts AlertPublisher,
	logger *zap.Logger,
) *PlacementService {
	return &PlacementService{
		logger:       logger.Named("placement"),
		nc:           nc,
		js:           js,
		scheduler:    sched,
		hyperperiods: hyperperiods,
		history:      history,
		alerts:       alerts,
	}
}

// Start subscribes to the request/reply subject and the plan submission
// stream. Subscriptions are dropped when ctx is cancelled.
func (s *PlacementService) Start(ctx context.Context) error {
	reqSub, err := s.nc.QueueSubscribe(PlacementRequestSubject, "placement", func(msg *nats.Msg) {
		s.handleRequestMsg(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to placement requests: %w", err)
	}

	planSub, err := s.js.Subscribe(planSubmitSubject, func(msg *nats.Msg) {
		s.handleSubmitMsg(ctx, msg)
		msg.Ack()
	}, nats.Durable("placement-submit"), nats.ManualAck())
	if err != nil {
		reqSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to plan submissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		reqSub.Unsubscribe()
		planSub.Unsubscribe()
	}()

	s.logger.Info("Placement service started",
		zap.String("request_subject", PlacementRequestSubject),
		zap.String("submit_subject", planSubmitSubject))
	return nil
}

func (s *PlacementService) handleRequestMsg(ctx context.Context, msg *nats.Msg) {
	var req ScheduleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Error("Failed to unmarshal schedule request", zap.Error(err))
		s.reply(msg, ScheduleResponse{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	resp := s.Place(ctx, req)
	s.reply(msg, resp)
}

func (s *PlacementService) handleSubmitMsg(ctx context.Context, msg *nats.Msg) {
	var req ScheduleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Error("Failed to unmarshal plan submission", zap.Error(err))
		return
	}

	resp := s.Place(ctx, req)
	if resp.Error != "" {
		s.logger.Error("Replayed plan submission failed",
			zap.String("workload_id", req.WorkloadID),
			zap.String("error", resp.Error))
	}
}

func (s *PlacementService) reply(msg *nats.Msg, resp ScheduleResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal schedule response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send schedule response",
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
}

// Place runs one full placement: schedule, hyperperiod, feasibility
// alerts, per-node fan-out, history. Scheduling failures abort the run;
// hyperperiod and recording failures are reported but do not.
func (s *PlacementService) Place(ctx context.Context, req ScheduleRequest) ScheduleResponse {
	started := time.Now()

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = scheduler.AlgorithmTargetNodePriority
	}

	resp := ScheduleResponse{
		RequestID:  req.RequestID,
		WorkloadID: req.WorkloadID,
		Algorithm:  algorithm,
	}

	tasks := make([]model.Task, len(req.Tasks))
	for i, spec := range req.Tasks {
		tasks[i] = spec.toTask(req.WorkloadID)
	}

	plans, err := s.scheduler.Schedule(tasks, algorithm)
	if err != nil {
		s.logger.Error("Placement failed",
			zap.String("request_id", req.RequestID),
			zap.String("workload_id", req.WorkloadID),
			zap.Error(err))
		resp.Error = err.Error()
		s.record(ctx, req, resp, started)
		return resp
	}
	resp.Plans = plans

	resp.Hyperperiod = s.calculateHyperperiod(req.WorkloadID, tasks)
	resp.Warnings = s.scheduler.FeasibilityReport(tasks)
	s.publishFeasibilityAlerts(ctx, req.WorkloadID, resp.Warnings)

	if err := s.publishPlans(req.RequestID, plans); err != nil {
		s.logger.Error("Failed to publish node plans",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}

	s.record(ctx, req, resp, started)

	s.logger.Info("Placement complete",
		zap.String("request_id", req.RequestID),
		zap.String("workload_id", req.WorkloadID),
		zap.String("algorithm", algorithm),
		zap.Int("node_count", len(plans)),
		zap.Duration("elapsed", time.Since(started)))
	return resp
}

func (s *PlacementService) calculateHyperperiod(workloadID string, tasks []model.Task) *HyperperiodResult {
	info, err := s.hyperperiods.Calculate(workloadID, tasks)
	if err != nil {
		return &HyperperiodResult{Error: err.Error()}
	}
	return &HyperperiodResult{
		HyperperiodUS: info.HyperperiodUS,
		UniquePeriods: info.UniquePeriods,
	}
}

func (s *PlacementService) publishFeasibilityAlerts(ctx context.Context, workloadID string, warnings []scheduler.FeasibilityWarning) {
	if s.alerts == nil {
		return
	}
	for _, w := range warnings {
		alert := model.Alert{
			ID:       uuid.New().String(),
			Type:     model.AlertTypeFeasibility,
			Severity: model.AlertSeverityWarning,
			Node:     w.Node,
			Message: fmt.Sprintf("workload %s: node %s utilization %.3f exceeds Liu-Layland bound %.3f for %d tasks",
				workloadID, w.Node, w.Utilization, w.Bound, w.TaskCount),
			Data: map[string]interface{}{
				"workload_id": workloadID,
				"utilization": w.Utilization,
				"bound":       w.Bound,
				"task_count":  w.TaskCount,
			},
			CreatedAt: time.Now(),
		}
		if err := s.alerts.PublishAlert(ctx, alert); err != nil {
			s.logger.Error("Failed to publish feasibility alert",
				zap.String("node", w.Node),
				zap.Error(err))
		}
	}
}

// publishPlans sends each node its slice of the schedule on
// plan.node.<node>.
func (s *PlacementService) publishPlans(requestID string, plans model.NodeSchedMap) error {
	for node, tasks := range plans {
		payload := struct {
			RequestID string            `json:"request_id"`
			Node      string            `json:"node"`
			Tasks     []model.SchedTask `json:"tasks"`
		}{RequestID: requestID, Node: node, Tasks: tasks}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal plan for node %s: %w", node, err)
		}
		if _, err := s.js.Publish(nodePlanSubjectPrefix+node, data); err != nil {
			return fmt.Errorf("failed to publish plan for node %s: %w", node, err)
		}
		s.logger.Info("Node plan published",
			zap.String("request_id", requestID),
			zap.String("node", node),
			zap.Int("task_count", len(tasks)))
	}
	return nil
}

func (s *PlacementService) record(ctx context.Context, req ScheduleRequest, resp ScheduleResponse, started time.Time) {
	if s.history == nil {
		return
	}

	rec := &storage.PlanHistory{
		ID:         uuid.New().String(),
		RequestID:  req.RequestID,
		WorkloadID: req.WorkloadID,
		Algorithm:  resp.Algorithm,
		TaskCount:  len(req.Tasks),
		NodeCount:  len(resp.Plans),
		Error:      resp.Error,
		StartedAt:  started,
		Duration:   time.Since(started),
	}
	if resp.Hyperperiod != nil {
		rec.HyperperiodUS = resp.Hyperperiod.HyperperiodUS
	}
	if len(resp.Plans) > 0 {
		if data, err := json.Marshal(resp.Plans); err == nil {
			rec.Plans = data
		}
	}
	if len(resp.Warnings) > 0 {
		if data, err := json.Marshal(resp.Warnings); err == nil {
			rec.Warnings = data
		}
	}

	if err := s.history.Store(ctx, rec); err != nil {
		s.logger.Error("Failed to record plan history",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

func (spec TaskSpec) toTask(workloadID string) model.Task {
	return model.Task{
		Name:          spec.Name,
		WorkloadID:    workloadID,
		TargetNode:    spec.TargetNode,
		Policy:        model.SchedPolicyFromInt(spec.Policy),
		Priority:      spec.Priority,
		Affinity:      model.NewCPUAffinity(spec.CPUAffinity),
		MemoryMB:      spec.MemoryMB,
		PeriodUS:      spec.PeriodUS,
		RuntimeUS:     spec.RuntimeUS,
		DeadlineUS:    spec.DeadlineUS,
		ReleaseTimeUS: spec.ReleaseTimeUS,
		MaxDmiss:      spec.MaxDmiss,
	}
}
