package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReleaseFunc gives a lease back.
type ReleaseFunc func(ctx context.Context) error

// Lease guarantees that at most one reconciliation pass runs at a time.
// TryAcquire never waits: it returns an error matching errors.LeaseHeld when the
// lease is taken.
type Lease interface {
	TryAcquire(ctx context.Context) (ReleaseFunc, error)
}

// LocalLease serializes passes inside one process.
type LocalLease struct {
	mu sync.Mutex
}

// NewLocalLease creates an in-process lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

func (l *LocalLease) TryAcquire(ctx context.Context) (ReleaseFunc, error) {
	if !l.mu.TryLock() {
		return nil, errors.LeaseHeld.Explain("local lease is taken")
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(l.mu.Unlock)
		return nil
	}, nil
}

// releaseScript deletes the key only while it still holds our token, so an expired
// lease that another process re-acquired is never released from under it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease serializes passes across processes sharing one redis. A held lease
// is renewed every third of its ttl until it is released.
type RedisLease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLease creates a lease stored under key. ttl bounds how long a crashed
// holder can block other processes.
func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration, logger *zap.Logger) *RedisLease {
	return &RedisLease{client: client, key: key, ttl: ttl, logger: logger.Named("lease")}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (ReleaseFunc, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		l.logger.Error("Failed to acquire reconciliation lease", zap.Error(err), zap.String("key", l.key))
		return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !acquired {
		return nil, errors.LeaseHeld.Explain("lease %s is held by another process", l.key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, l.ttl/3, func(ctx context.Context) (bool, error) {
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			return n == 1, err
		}, l.logger.With(zap.String("key", l.key)))
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Error("Failed to release reconciliation lease", zap.Error(err), zap.String("key", l.key))
			return err
		}
		return nil
	}, nil
}

// keepAlive calls extend every interval until stop is closed or extend reports
// that the lease is no longer ours.
func keepAlive(stop <-chan struct{}, interval time.Duration, extend func(context.Context) (bool, error), logger *zap.Logger) {
	if interval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		held, err := extend(ctx)
		cancel()
		switch {
		case err != nil:
			logger.Warn("Failed to renew reconciliation lease", zap.Error(err))
		case !held:
			logger.Warn("Reconciliation lease expired before release")
			return
		}
	}
}
