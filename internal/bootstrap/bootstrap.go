// Package bootstrap wires configuration into running components. Both the daemon and
// the admin command build their object graph here.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Aidin1998/benchsync/internal/benchmark"
	"github.com/Aidin1998/benchsync/internal/config"
	"github.com/Aidin1998/benchsync/internal/events"
	"github.com/Aidin1998/benchsync/internal/probe"
	"github.com/Aidin1998/benchsync/internal/reconcile"
	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/internal/scheduler"
	"github.com/Aidin1998/benchsync/internal/store/document"
	"github.com/Aidin1998/benchsync/internal/store/relational"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/Aidin1998/benchsync/pkg/validation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LeaseKey is the redis key guarding reconciliation passes.
const LeaseKey = "benchsync:reconcile:lease"

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	Document   *document.DB
	Relational *relational.DB
	Probe      *probe.Probe
	Service    *reconcile.Service
	Trigger    *scheduler.Trigger
	Recorder   *benchmark.Recorder

	publisher *events.KafkaPublisher
	redis     *redis.Client
	logger    *zap.Logger
}

// New opens both stores and builds the reconciliation pipeline. On error everything
// opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := app.Close(); cerr != nil {
				logger.Warn("Cleanup after failed start", zap.Error(cerr))
			}
			app = nil
		}
	}()

	app.Document, err = document.Open(cfg.Document.Path, logger)
	if err != nil {
		return app, err
	}

	if err := ensureSQLiteDir(cfg.Relational.Driver, cfg.Relational.DSN); err != nil {
		return app, err
	}
	app.Relational, err = relational.Open(cfg.Relational.Driver, cfg.Relational.DSN, relational.PoolConfig{
		MaxOpenConns:    cfg.Relational.MaxOpenConns,
		MaxIdleConns:    cfg.Relational.MaxIdleConns,
		ConnMaxLifetime: cfg.Relational.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return app, err
	}

	app.Probe = probe.New(
		probe.Target{Name: document.Name, Pinger: app.Document},
		probe.Target{Name: relational.Name, Pinger: app.Relational},
		cfg.Sync.ProbeTimeout,
		logger,
	)

	var (
		runners []reconcile.Runner
		sets    = make(map[benchmark.Kind]benchmark.StoreSet)
	)
	for _, kind := range cfg.SyncKinds() {
		docs := app.Document.Collection(kind.String())
		rows, err := app.Relational.Table(ctx, kind.Table(), kind.String())
		if err != nil {
			return app, fmt.Errorf("preparing %s table: %w", kind, err)
		}
		runners = append(runners, reconcile.New[record.Record](docs, rows, nil, reconcile.Options{
			Kind:         kind.String(),
			Workers:      cfg.Sync.Workers,
			OpTimeout:    cfg.Sync.OpTimeout,
			FetchTimeout: cfg.Sync.FetchTimeout,
		}, logger))
		sets[kind] = benchmark.StoreSet{Document: docs, Relational: rows}
	}

	app.Service = reconcile.NewService(app.Probe, runners, logger)
	if cfg.Kafka.Enabled {
		app.publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		app.Service.WithPublisher(app.publisher)
	}

	lease, err := app.lease()
	if err != nil {
		return app, err
	}
	app.Trigger = scheduler.NewTrigger(app.Service, lease, logger)
	app.Recorder = benchmark.NewRecorder(app.Probe, sets, validation.NewValidator(logger), logger)

	logger.Info("Components initialized",
		zap.Strings("kinds", app.Service.Kinds()),
		zap.String("relational_driver", cfg.Relational.Driver),
		zap.String("lease_backend", cfg.Lease.Backend),
		zap.Bool("kafka", cfg.Kafka.Enabled))
	return app, nil
}

func (a *App) lease() (scheduler.Lease, error) {
	switch a.Config.Lease.Backend {
	case "", "local":
		return scheduler.NewLocalLease(), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Lease.Redis.Address,
			Password: a.Config.Lease.Redis.Password,
			DB:       a.Config.Lease.Redis.DB,
		})
		return scheduler.NewRedisLease(a.redis, LeaseKey, a.Config.Lease.TTL, a.logger), nil
	default:
		return nil, errors.Invalid.Explain("unknown lease backend %q", a.Config.Lease.Backend)
	}
}

// Close releases every resource New acquired.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Relational != nil {
		errs = append(errs, a.Relational.Close())
	}
	if a.Document != nil {
		errs = append(errs, a.Document.Close())
	}
	return errors.Join(errs...)
}

// ensureSQLiteDir creates the directory of a file-backed sqlite DSN.
func ensureSQLiteDir(driver, dsn string) error {
	if driver != "sqlite" || dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating sqlite directory %s: %w", dir, err)
	}
	return nil
}
