// Command admin runs a single reconciliation pass and prints its report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aidin1998/benchsync/internal/bootstrap"
	"github.com/Aidin1998/benchsync/internal/config"
	"github.com/Aidin1998/benchsync/internal/reconcile"
	"github.com/Aidin1998/benchsync/pkg/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	output := flag.String("output", "json", "report format: json or yaml")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Warning: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Logs go to stderr so stdout carries only the report.
	level := zap.NewAtomicLevelAt(logger.ParseLevel(cfg.Log.Level))
	zapLogger, err := logger.NewAtomicLoggerTo(level, "console", zapcore.Lock(os.Stderr))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize", zap.Error(err))
	}
	report := app.Trigger.RunReconciliation(ctx)
	if err := app.Close(); err != nil {
		zapLogger.Warn("Failed to close stores", zap.Error(err))
	}

	if err := writeReport(os.Stdout, report, *output); err != nil {
		zapLogger.Fatal("Failed to print report", zap.Error(err))
	}
	if report.Aborted {
		_ = zapLogger.Sync()
		os.Exit(2)
	}
}

func writeReport(w io.Writer, report reconcile.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
