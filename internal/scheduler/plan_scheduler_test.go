package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/model"
	"github.com/t77yq/rt-placement/internal/testutil"
)

func startPlanScheduler(t *testing.T, ctx context.Context) (*PlanScheduler, nats.JetStreamContext) {
	t.Helper()

	_, js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	s := NewPlanScheduler(js, zap.NewNop())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)

	return s, js
}

func TestPlanScheduler_AddAndRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := startPlanScheduler(t, ctx)

	schedule := &model.PlanSchedule{
		WorkloadID: "w1",
		Expression: "0 */5 * * * *",
		Payload:    json.RawMessage(`{"workload_id":"w1","tasks":[]}`),
	}
	require.NoError(t, s.AddSchedule(ctx, schedule))
	require.NotEmpty(t, schedule.ID)
	require.NotNil(t, schedule.NextRunTime)
	require.False(t, schedule.CreatedAt.IsZero())

	got, err := s.GetSchedule(schedule.ID)
	require.NoError(t, err)
	require.Equal(t, "w1", got.WorkloadID)

	require.Len(t, s.ListSchedules(), 1)

	require.NoError(t, s.RemoveSchedule(schedule.ID))
	_, err = s.GetSchedule(schedule.ID)
	require.Error(t, err)
	require.Empty(t, s.ListSchedules())
}

func TestPlanScheduler_RejectsBadSchedules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := startPlanScheduler(t, ctx)

	err := s.AddSchedule(ctx, &model.PlanSchedule{
		WorkloadID: "w1",
		Expression: "not a cron expression",
	})
	require.Error(t, err)
	require.Empty(t, s.ListSchedules())

	err = s.AddSchedule(ctx, &model.PlanSchedule{
		Expression: "0 */5 * * * *",
	})
	require.Error(t, err)

	require.Error(t, s.RemoveSchedule("missing"))
}

func TestPlanScheduler_TriggersReplacement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, js := startPlanScheduler(t, ctx)

	payload := json.RawMessage(`{"workload_id":"w1","algorithm":"least_loaded","tasks":[]}`)

	submitted := make(chan []byte, 4)
	sub, err := js.Subscribe(planSubmitSubject, func(msg *nats.Msg) {
		submitted <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	schedule := &model.PlanSchedule{
		WorkloadID: "w1",
		Expression: "* * * * * *", // every second
		Payload:    payload,
	}
	require.NoError(t, s.AddSchedule(ctx, schedule))

	select {
	case data := <-submitted:
		require.JSONEq(t, string(payload), string(data))
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for replayed placement request")
	}

	require.NotNil(t, schedule.LastRunTime)
	require.NotNil(t, schedule.NextRunTime)
	require.True(t, schedule.NextRunTime.After(*schedule.LastRunTime))
}

func TestPlanScheduler_CommandSubjects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, js := startPlanScheduler(t, ctx)

	schedule := model.PlanSchedule{
		ID:         "sched-1",
		WorkloadID: "w1",
		Expression: "0 */5 * * * *",
		Payload:    json.RawMessage(`{"workload_id":"w1","tasks":[]}`),
	}
	data, err := json.Marshal(schedule)
	require.NoError(t, err)

	_, err = js.Publish(planScheduleAdd, data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.GetSchedule("sched-1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	id, err := json.Marshal("sched-1")
	require.NoError(t, err)
	_, err = js.Publish(planScheduleRemove, id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.GetSchedule("sched-1")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}
