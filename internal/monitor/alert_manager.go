package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/model"
)

const (
	alertStreamName    = "ALERTS"
	alertSubjectPrefix = "alert."
)

// AlertManager publishes alerts onto the alert stream and lets
// consumers subscribe to them. Alert sources are the placement service
// (feasibility warnings) and the node watcher (offline nodes).
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		js:     js,
	}
}

// Start ensures the alert stream exists.
func (m *AlertManager) Start(ctx context.Context) error {
	stream, err := m.js.StreamInfo(alertStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{alertSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	m.logger.Info("Alert manager started")
	return nil
}

// PublishAlert publishes an alert on alert.<type>. A missing ID or
// timestamp is filled in.
func (m *AlertManager) PublishAlert(ctx context.Context, alert model.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := m.js.Publish(alertSubjectPrefix+string(alert.Type), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	m.logger.Info("Alert published",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("node", alert.Node))

	return nil
}

// SubscribeAlerts delivers every alert on the stream to handler until
// ctx is cancelled.
func (m *AlertManager) SubscribeAlerts(ctx context.Context, handler func(model.Alert)) error {
	sub, err := m.js.Subscribe(alertSubjectPrefix+"*", func(msg *nats.Msg) {
		var alert model.Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			m.logger.Error("Failed to unmarshal alert", zap.Error(err))
			return
		}

		handler(alert)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
