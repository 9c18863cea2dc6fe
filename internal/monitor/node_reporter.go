package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/model"
)

const (
	nodeStreamName          = "NODES"
	nodeStatusSubjectPrefix = "node.status."
)

// NodeReporter periodically samples host CPU and memory usage and
// publishes a heartbeat for this node on node.status.<node>.
type NodeReporter struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	node     string
	interval time.Duration
	stop     chan struct{}
}

// NewNodeReporter creates a reporter publishing heartbeats for node at
// the given interval.
func NewNodeReporter(js nats.JetStreamContext, node string, interval time.Duration, logger *zap.Logger) *NodeReporter {
	return &NodeReporter{
		logger:   logger.Named("node-reporter"),
		js:       js,
		node:     node,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start ensures the node status stream exists and starts the heartbeat
// loop.
func (r *NodeReporter) Start(ctx context.Context) error {
	if err := ensureNodeStream(r.js); err != nil {
		return err
	}

	go r.reportLoop(ctx)

	r.logger.Info("Node reporter started",
		zap.String("node", r.node),
		zap.Duration("interval", r.interval))
	return nil
}

// Stop stops the heartbeat loop.
func (r *NodeReporter) Stop() {
	close(r.stop)
}

func (r *NodeReporter) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *NodeReporter) report() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		r.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		r.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	status := model.NodeStatus{
		Node:        r.node,
		Health:      model.NodeHealthHealthy,
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: time.Now(),
	}

	data, err := json.Marshal(status)
	if err != nil {
		r.logger.Error("Failed to marshal node status", zap.Error(err))
		return
	}

	if _, err := r.js.Publish(nodeStatusSubjectPrefix+r.node, data); err != nil {
		r.logger.Error("Failed to publish node status", zap.Error(err))
		return
	}

	r.logger.Debug("Heartbeat published",
		zap.String("node", r.node),
		zap.Float64("cpu_usage", status.CPUUsage),
		zap.Float64("memory_usage", status.MemoryUsage))
}

// NodeWatcher consumes heartbeats from every node and tracks the last
// seen status. Nodes silent past the offline threshold are marked
// offline and raise a node_offline alert once per outage.
type NodeWatcher struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	alerts    *AlertManager
	threshold time.Duration

	mu       sync.RWMutex
	statuses map[string]model.NodeStatus
	lastSeen map[string]time.Time
	offline  map[string]bool

	stop chan struct{}
}

// NewNodeWatcher creates a watcher that marks nodes offline after
// threshold without a heartbeat. The alert manager may be nil to
// disable alerting.
func NewNodeWatcher(js nats.JetStreamContext, alerts *AlertManager, threshold time.Duration, logger *zap.Logger) *NodeWatcher {
	return &NodeWatcher{
		logger:    logger.Named("node-watcher"),
		js:        js,
		alerts:    alerts,
		threshold: threshold,
		statuses:  make(map[string]model.NodeStatus),
		lastSeen:  make(map[string]time.Time),
		offline:   make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start subscribes to all node heartbeats and starts the sweep loop.
func (w *NodeWatcher) Start(ctx context.Context) error {
	if err := ensureNodeStream(w.js); err != nil {
		return err
	}

	sub, err := w.js.Subscribe(nodeStatusSubjectPrefix+"*", w.handleStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to node status: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	go w.sweepLoop(ctx)

	w.logger.Info("Node watcher started", zap.Duration("offline_threshold", w.threshold))
	return nil
}

// Stop stops the sweep loop.
func (w *NodeWatcher) Stop() {
	close(w.stop)
}

func (w *NodeWatcher) handleStatus(msg *nats.Msg) {
	var status model.NodeStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		w.logger.Error("Failed to unmarshal node status", zap.Error(err))
		return
	}

	// Subject format: node.status.<node>
	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 3 {
		w.logger.Error("Invalid node status subject", zap.String("subject", msg.Subject))
		return
	}
	node := parts[2]

	w.mu.Lock()
	w.statuses[node] = status
	w.lastSeen[node] = time.Now()
	recovered := w.offline[node]
	delete(w.offline, node)
	w.mu.Unlock()

	if recovered {
		w.logger.Info("Node back online", zap.String("node", node))
	}
}

func (w *NodeWatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.threshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *NodeWatcher) sweep(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var newlyOffline []string
	for node, seen := range w.lastSeen {
		if now.Sub(seen) > w.threshold && !w.offline[node] {
			w.offline[node] = true
			status := w.statuses[node]
			status.Health = model.NodeHealthOffline
			w.statuses[node] = status
			newlyOffline = append(newlyOffline, node)
		}
	}
	w.mu.Unlock()

	for _, node := range newlyOffline {
		w.logger.Warn("Node offline", zap.String("node", node))
		if w.alerts == nil {
			continue
		}
		alert := model.Alert{
			Type:     model.AlertTypeNodeOffline,
			Severity: model.AlertSeverityCritical,
			Node:     node,
			Message:  fmt.Sprintf("node %s missed heartbeats for more than %s", node, w.threshold),
		}
		if err := w.alerts.PublishAlert(ctx, alert); err != nil {
			w.logger.Error("Failed to publish offline alert",
				zap.String("node", node),
				zap.Error(err))
		}
	}
}

// GetStatus returns the last reported status for node, if any.
func (w *NodeWatcher) GetStatus(node string) (model.NodeStatus, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status, ok := w.statuses[node]
	return status, ok
}

// GetStatuses returns a copy of the last reported status of every node.
func (w *NodeWatcher) GetStatuses() map[string]model.NodeStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	statuses := make(map[string]model.NodeStatus, len(w.statuses))
	for node, status := range w.statuses {
		statuses[node] = status
	}
	return statuses
}

func ensureNodeStream(js nats.JetStreamContext) error {
	stream, err := js.StreamInfo(nodeStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     nodeStreamName,
			Subjects: []string{nodeStatusSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}
	return nil
}
