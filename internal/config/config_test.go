package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aidin1998/benchsync/internal/benchmark"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Relational.Driver)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, "local", cfg.Lease.Backend)
	assert.Equal(t, benchmark.AllKinds, cfg.SyncKinds())
	assert.True(t, cfg.Sync.RunOnStart)
	assert.Equal(t, "100-M", cfg.Server.RateLimit)
	assert.Equal(t, int64(100), cfg.Server.Rate().Limit)
	assert.Equal(t, time.Minute, cfg.Server.Rate().Period)
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9090
relational:
  driver: postgres
  dsn: host=db user=bench dbname=bench sslmode=disable
sync:
  interval: 15s
  kinds: [page_load]
lease:
  backend: redis
  redis:
    address: redis:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Relational.Driver)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval)
	assert.Equal(t, []benchmark.Kind{benchmark.PageLoad}, cfg.SyncKinds())
	assert.Equal(t, "redis:6379", cfg.Lease.Redis.Address)
	assert.Equal(t, 5*time.Second, cfg.Sync.OpTimeout, "unset keys keep their defaults")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "sync:\n  workers: 2\n")
	t.Setenv("BENCHSYNC_SYNC_WORKERS", "8")
	t.Setenv("BENCHSYNC_SYNC_KINDS", "memory_usage,async_performance")
	t.Setenv("BENCHSYNC_SYNC_OP_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, []string{"memory_usage", "async_performance"}, cfg.Sync.Kinds)
	assert.Equal(t, 750*time.Millisecond, cfg.Sync.OpTimeout)
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Sync.Workers = 0
	cfg.Sync.OpTimeout = 0
	cfg.Sync.Kinds = []string{"cpu_usage"}
	cfg.Relational.Driver = "mysql"
	cfg.Lease.Backend = "etcd"
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""
	cfg.Server.RateLimit = "lots"
	cfg.Lease.TTL = 100 * time.Millisecond

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Invalid))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	fields := map[string]bool{}
	for _, f := range e.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"sync.workers", "sync.op_timeout", "sync.kinds", "relational.driver", "lease.backend", "kafka.topic", "server.rate_limit", "lease.ttl"} {
		assert.True(t, fields[want], "missing %s", want)
	}
}

func TestEmptyRateLimitDisablesLimiting(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.RateLimit = ""
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Server.Rate().Limit)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "BENCHSYNC_TEST_DOTENV=loaded\n")
	t.Setenv("BENCHSYNC_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BENCHSYNC_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("BENCHSYNC_TEST_DOTENV"))
}

func TestWatchAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "log:\n  level: info\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan string, 16)
	loader.Watch(zap.NewNop(), func(c *Config) {
		select {
		case changed <- c.Log.Level:
		default:
		}
	})

	// give the watcher a moment to register before rewriting the file
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", "log:\n  level: debug\n")

	// A rewrite can surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case lvl := <-changed:
			if lvl != "debug" {
				continue
			}
			assert.Equal(t, "debug", loader.Current().Log.Level)
			return
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
