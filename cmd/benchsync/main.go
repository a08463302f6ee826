package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/benchsync/api"
	"github.com/Aidin1998/benchsync/internal/bootstrap"
	"github.com/Aidin1998/benchsync/internal/config"
	"github.com/Aidin1998/benchsync/internal/scheduler"
	"github.com/Aidin1998/benchsync/pkg/logger"
	"github.com/Aidin1998/benchsync/pkg/tracing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// poolStatsInterval is how often relational pool gauges are refreshed.
const poolStatsInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (searched in ., ./config and /etc/benchsync when empty)")
	flag.Parse()

	// Load environment variables
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Warning: %v", err)
	}

	// Load configuration
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	level := zap.NewAtomicLevelAt(logger.ParseLevel(cfg.Log.Level))
	zapLogger, err := logger.NewAtomicLogger(level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	loader.Watch(zapLogger, func(next *config.Config) {
		level.SetLevel(logger.ParseLevel(next.Log.Level))
	})
	if f := loader.ConfigFile(); f != "" {
		zapLogger.Info("Configuration loaded", zap.String("file", f))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		ServiceName: api.ServiceName,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	app, err := bootstrap.New(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize", zap.Error(err))
	}

	go reportPoolStats(ctx, app)

	sched := scheduler.New(app.Trigger, cfg.Sync.Interval, cfg.Sync.RunOnStart, zapLogger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(ctx)
	}()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiServer := api.NewServer(app.Trigger, app.Probe, app.Recorder, api.Options{
		RateLimit: cfg.Server.Rate(),
	}, zapLogger)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		if err := apiServer.Start(ctx, addr); err != nil {
			zapLogger.Error("API server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop API server", zap.Error(err))
	}

	// A pass in flight sees the cancelled context and aborts.
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		zapLogger.Warn("Scheduler did not stop in time")
	}

	if err := app.Close(); err != nil {
		zapLogger.Error("Failed to close stores", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}
	zapLogger.Info("Stopped")
}

func reportPoolStats(ctx context.Context, app *bootstrap.App) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		app.Relational.ReportPoolStats()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
