package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/model"
)

const (
	planStreamName     = "PLANS"
	planSubmitSubject  = "plan.submit"
	planScheduleAdd    = "plan.schedule.add"
	planScheduleRemove = "plan.schedule.remove"
	planStreamMaxAge   = 24 * time.Hour
	planStreamMaxMsgs  = -1
)

// PlanScheduler re-runs workload placement on cron expressions. Each
// registered schedule carries a full placement request payload that is
// replayed on every trigger.
type PlanScheduler struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	cron      *cron.Cron
	schedules sync.Map
	entryIDs  sync.Map
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewPlanScheduler creates a plan scheduler publishing to the given
// JetStream context.
func NewPlanScheduler(js nats.JetStreamContext, logger *zap.Logger) *PlanScheduler {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &PlanScheduler{
		logger: logger.Named("plan-scheduler"),
		js:     js,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl)),
		),
	}
}

// Start ensures the plan stream exists, starts the cron loop and
// subscribes to schedule management commands.
func (s *PlanScheduler) Start(ctx context.Context) error {
	_, err := s.js.StreamInfo(planStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:     planStreamName,
			Subjects: []string{"plan.*", "plan.*.*"},
			Storage:  nats.FileStorage,
			MaxAge:   planStreamMaxAge,
			MaxMsgs:  planStreamMaxMsgs,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		s.logger.Info("Created plan stream", zap.String("name", planStreamName))
	}

	s.cron.Start()
	return s.subscribeToCommands(ctx)
}

// Stop stops the cron loop, waiting for a running trigger to finish.
func (s *PlanScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSchedule registers a recurring re-placement of a workload.
func (s *PlanScheduler) AddSchedule(ctx context.Context, schedule *model.PlanSchedule) error {
	if schedule.WorkloadID == "" {
		return fmt.Errorf("schedule has no workload_id")
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	schedule.UpdatedAt = time.Now()

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.schedules.Store(schedule.ID, schedule)

	entryID, err := s.cron.AddJob(schedule.Expression, &planJob{
		scheduler: s,
		schedule:  schedule,
	})
	if err != nil {
		s.schedules.Delete(schedule.ID)
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryIDs.Store(schedule.ID, entryID)

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	s.logger.Info("Added plan schedule",
		zap.String("id", schedule.ID),
		zap.String("workload_id", schedule.WorkloadID),
		zap.String("expression", schedule.Expression),
		zap.Time("next_run", next))

	return nil
}

// RemoveSchedule removes a registered schedule.
func (s *PlanScheduler) RemoveSchedule(id string) error {
	entryIDVal, ok := s.entryIDs.Load(id)
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}

	s.cron.Remove(entryIDVal.(cron.EntryID))
	s.entryIDs.Delete(id)
	s.schedules.Delete(id)

	s.logger.Info("Removed plan schedule", zap.String("id", id))
	return nil
}

// GetSchedule gets a schedule by ID.
func (s *PlanScheduler) GetSchedule(id string) (*model.PlanSchedule, error) {
	val, ok := s.schedules.Load(id)
	if !ok {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	return val.(*model.PlanSchedule), nil
}

// ListSchedules lists all registered schedules.
func (s *PlanScheduler) ListSchedules() []*model.PlanSchedule {
	var schedules []*model.PlanSchedule
	s.schedules.Range(func(key, value interface{}) bool {
		schedules = append(schedules, value.(*model.PlanSchedule))
		return true
	})
	return schedules
}

// subscribeToCommands subscribes to schedule management commands.
func (s *PlanScheduler) subscribeToCommands(ctx context.Context) error {
	if _, err := s.js.Subscribe(planScheduleAdd, func(msg *nats.Msg) {
		var schedule model.PlanSchedule
		if err := json.Unmarshal(msg.Data, &schedule); err != nil {
			s.logger.Error("Failed to unmarshal plan schedule", zap.Error(err))
			return
		}
		if err := s.AddSchedule(ctx, &schedule); err != nil {
			s.logger.Error("Failed to add plan schedule", zap.Error(err))
		}
	}, nats.Durable("plan-schedule-add")); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", planScheduleAdd, err)
	}

	if _, err := s.js.Subscribe(planScheduleRemove, func(msg *nats.Msg) {
		var id string
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			s.logger.Error("Failed to unmarshal schedule ID", zap.Error(err))
			return
		}
		if err := s.RemoveSchedule(id); err != nil {
			s.logger.Error("Failed to remove plan schedule", zap.Error(err))
		}
	}, nats.Durable("plan-schedule-remove")); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", planScheduleRemove, err)
	}

	return nil
}

// planJob implements cron.Job
type planJob struct {
	scheduler *PlanScheduler
	schedule  *model.PlanSchedule
}

// Run replays the stored placement request onto the plan stream. The
// placement service picks it up and runs a fresh placement.
func (j *planJob) Run() {
	now := time.Now()
	j.schedule.LastRunTime = &now

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := parser.Parse(j.schedule.Expression)
	if err != nil {
		j.scheduler.logger.Error("Failed to parse cron expression",
			zap.String("id", j.schedule.ID),
			zap.Error(err))
		return
	}
	next := spec.Next(now)
	j.schedule.NextRunTime = &next

	if _, err := j.scheduler.js.Publish(planSubmitSubject, j.schedule.Payload); err != nil {
		j.scheduler.logger.Error("Failed to publish placement request",
			zap.String("id", j.schedule.ID),
			zap.Error(err))
		return
	}

	j.scheduler.logger.Info("Triggered re-placement",
		zap.String("id", j.schedule.ID),
		zap.String("workload_id", j.schedule.WorkloadID),
		zap.Time("next_run", next))
}
