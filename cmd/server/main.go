package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/rt-placement/internal/config"
	"github.com/t77yq/rt-placement/internal/hyperperiod"
	"github.com/t77yq/rt-placement/internal/monitor"
	"github.com/t77yq/rt-placement/internal/scheduler"
	"github.com/t77yq/rt-placement/internal/service"
	"github.com/t77yq/rt-placement/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("nodes.config_path", "./config/nodes.yaml")
	viper.SetDefault("storage.history_path", "plan_history.db")
	viper.SetDefault("storage.retention", 30*24*time.Hour)
	viper.SetDefault("hyperperiod.limit_us", hyperperiod.DefaultLimitUS)
	viper.SetDefault("monitor.heartbeat_interval", 10*time.Second)
	viper.SetDefault("monitor.offline_threshold", 30*time.Second)
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Load the node inventory the scheduler plans against
	nodeConfig := config.NewNodeConfigManager(logger)
	if err := nodeConfig.LoadFromFile(viper.GetString("nodes.config_path")); err != nil {
		logger.Fatal("Failed to load node configuration", zap.Error(err))
	}
	logger.Info("Node configuration loaded",
		zap.Strings("nodes", nodeConfig.NodeNames()))

	globalScheduler := scheduler.NewGlobalScheduler(nodeConfig, logger)
	hyperperiods := hyperperiod.NewManagerWithLimit(logger, viper.GetUint64("hyperperiod.limit_us"))

	// Plan history storage
	history, err := storage.NewSQLitePlanHistory(logger, viper.GetString("storage.history_path"))
	if err != nil {
		logger.Fatal("Failed to create plan history storage", zap.Error(err))
	}
	defer history.Close()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Alerting
	alerts := monitor.NewAlertManager(logger, js)
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}

	// The plan scheduler owns the PLANS stream, so it starts before the
	// placement service subscribes to plan submissions.
	planScheduler := scheduler.NewPlanScheduler(js, logger)
	if err := planScheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start plan scheduler", zap.Error(err))
	}
	defer planScheduler.Stop()

	placement := service.NewPlacementService(nc, js, globalScheduler, hyperperiods, history, alerts, logger)
	if err := placement.Start(ctx); err != nil {
		logger.Fatal("Failed to start placement service", zap.Error(err))
	}

	// Node heartbeat tracking
	watcher := monitor.NewNodeWatcher(js, alerts, viper.GetDuration("monitor.offline_threshold"), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start node watcher", zap.Error(err))
	}
	defer watcher.Stop()

	// Optionally report this host's own usage, for deployments where the
	// scheduler runs co-located with a compute node.
	if node := viper.GetString("monitor.self_report_node"); node != "" {
		reporter := monitor.NewNodeReporter(js, node, viper.GetDuration("monitor.heartbeat_interval"), logger)
		if err := reporter.Start(ctx); err != nil {
			logger.Fatal("Failed to start node reporter", zap.Error(err))
		}
		defer reporter.Stop()
	}

	// Periodic history cleanup
	go func() {
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				cutoff := time.Now().Add(-viper.GetDuration("storage.retention"))
				if err := history.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to cleanup old plan history", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("Placement server running")

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Server shutting down gracefully")
}
