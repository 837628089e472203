package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fushengyk/marketstream/internal/collector"
	"github.com/fushengyk/marketstream/internal/config"
	"github.com/fushengyk/marketstream/internal/natsutil"
	"github.com/fushengyk/marketstream/internal/telemetry"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	// Logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Info("📡 Starting Market Streamer...")

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalf("❌ Failed to load config: %v", err)
	}

	// Telemetry
	tp, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		sugar.Fatalf("❌ Failed to init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			sugar.Errorf("Telemetry shutdown: %v", err)
		}
	}()
	if tp.Enabled() {
		sugar.Infof("✅ Exporting metrics to %s", cfg.Telemetry.OTLPEndpoint)
	}

	// NATS
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("Marketstream Streamer"),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		sugar.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		sugar.Fatalf("❌ Failed to create JetStream context: %v", err)
	}
	sugar.Info("✅ Connected to NATS JetStream")

	// Ensure streams
	if err := natsutil.EnsureStreams(js, cfg.NATS.StreamMaxAge, sugar); err != nil {
		sugar.Fatalf("❌ Failed to ensure streams: %v", err)
	}

	// Create and start service
	svc, err := collector.NewService(cfg, js, nil, sugar)
	if err != nil {
		sugar.Fatalf("❌ Failed to create collector service: %v", err)
	}

	if err := svc.Start(); err != nil {
		sugar.Fatalf("❌ Failed to start collector: %v", err)
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	sugar.Info("🛑 Shutting down Market Streamer...")
	svc.Stop()
}
