package monitor

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

func TestNodeReporter_PublishesHeartbeat(t *testing.T) {
	// Setup
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	reporter := NewNodeReporter(js, "node01", 50*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	statusReceived := make(chan model.NodeStatus, 1)
	err := reporter.Start(ctx)
	require.NoError(t, err)
	defer reporter.Stop()

	sub, err := js.Subscribe("node.status.node01", func(msg *nats.Msg) {
		var status model.NodeStatus
		require.NoError(t, json.Unmarshal(msg.Data, &status))
		select {
		case statusReceived <- status:
		default:
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// The first sample blocks on the CPU measurement window, so allow a
	// generous wait.
	select {
	case status := <-statusReceived:
		require.Equal(t, "node01", status.Node)
		require.Equal(t, model.NodeHealthHealthy, status.Health)
		require.False(t, status.CollectedAt.IsZero())
		require.GreaterOrEqual(t, status.CPUUsage, 0.0)
		require.GreaterOrEqual(t, status.MemoryUsage, 0.0)
	case <-ctx.Done():
		t.Fatal("timeout waiting for heartbeat")
	}
}

func TestNodeWatcher_TracksHeartbeats(t *testing.T) {
	// Setup
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	watcher := NewNodeWatcher(js, nil, time.Minute, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := watcher.Start(ctx)
	require.NoError(t, err)
	defer watcher.Stop()

	status := model.NodeStatus{
		Node:        "node01",
		Health:      model.NodeHealthHealthy,
		CPUUsage:    12.5,
		MemoryUsage: 40.0,
		CollectedAt: time.Now(),
	}
	data, err := json.Marshal(status)
	require.NoError(t, err)
	_, err = js.Publish("node.status.node01", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := watcher.GetStatus("node01")
		return ok
	}, 3*time.Second, 50*time.Millisecond)

	got, ok := watcher.GetStatus("node01")
	require.True(t, ok)
	require.Equal(t, model.NodeHealthHealthy, got.Health)
	require.InDelta(t, 12.5, got.CPUUsage, 1e-9)

	all := watcher.GetStatuses()
	require.Len(t, all, 1)
}

func TestNodeWatcher_OfflineAlert(t *testing.T) {
	// Setup
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	alerts := NewAlertManager(logger, js)
	watcher := NewNodeWatcher(js, alerts, 200*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, alerts.Start(ctx))
	require.NoError(t, watcher.Start(ctx))
	defer watcher.Stop()

	alertReceived := make(chan model.Alert, 1)
	sub, err := js.Subscribe("alert."+string(model.AlertTypeNodeOffline), func(msg *nats.Msg) {
		var alert model.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &alert))
		select {
		case alertReceived <- alert:
		default:
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// One heartbeat, then silence past the threshold.
	status := model.NodeStatus{
		Node:        "node01",
		Health:      model.NodeHealthHealthy,
		CollectedAt: time.Now(),
	}
	data, err := json.Marshal(status)
	require.NoError(t, err)
	_, err = js.Publish("node.status.node01", data)
	require.NoError(t, err)

	select {
	case alert := <-alertReceived:
		require.Equal(t, model.AlertTypeNodeOffline, alert.Type)
		require.Equal(t, model.AlertSeverityCritical, alert.Severity)
		require.Equal(t, "node01", alert.Node)
	case <-ctx.Done():
		t.Fatal("timeout waiting for offline alert")
	}

	got, ok := watcher.GetStatus("node01")
	require.True(t, ok)
	require.Equal(t, model.NodeHealthOffline, got.Health)

	// A fresh heartbeat brings the node back.
	_, err = js.Publish("node.status.node01", data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		watcher.mu.RLock()
		defer watcher.mu.RUnlock()
		return !watcher.offline["node01"]
	}, 3*time.Second, 50*time.Millisecond)
}
