// Package scheduler decides when reconciliation passes run: periodically, on demand,
// and never two at once.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/benchsync/internal/reconcile"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/Aidin1998/benchsync/pkg/metrics"
	"go.uber.org/zap"
)

// ReasonInProgress is the deferral reason when another pass holds the lease.
const ReasonInProgress = "another pass in progress"

// releaseTimeout bounds giving the lease back after the pass context is gone.
const releaseTimeout = 5 * time.Second

// Pass runs one reconciliation pass over every kind.
type Pass interface {
	RunReconciliation(ctx context.Context) reconcile.Report
}

// Trigger runs passes under a lease and remembers the last report.
type Trigger struct {
	pass   Pass
	lease  Lease
	logger *zap.Logger

	mu   sync.RWMutex
	last *reconcile.Report
}

// NewTrigger wraps pass with lease.
func NewTrigger(pass Pass, lease Lease, logger *zap.Logger) *Trigger {
	return &Trigger{pass: pass, lease: lease, logger: logger.Named("trigger")}
}

// RunReconciliation runs a pass unless one is already running, in which case it
// returns a deferred report immediately.
func (t *Trigger) RunReconciliation(ctx context.Context) reconcile.Report {
	release, err := t.lease.TryAcquire(ctx)
	if err != nil {
		reason := ReasonInProgress
		if !errors.Is(err, errors.LeaseHeld) {
			reason = "lease unavailable: " + err.Error()
		}
		t.logger.Info("Reconciliation deferred", zap.String("reason", reason))
		metrics.ReconcilePasses.WithLabelValues("deferred").Inc()
		return reconcile.Deferred(reason, time.Now().UTC())
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := release(rctx); err != nil {
			t.logger.Warn("Lease release failed, it will expire on its own", zap.Error(err))
		}
	}()

	report := t.pass.RunReconciliation(ctx)

	t.mu.Lock()
	t.last = &report
	t.mu.Unlock()
	return report
}

// Last returns the report of the most recent pass that ran.
func (t *Trigger) Last() (reconcile.Report, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return reconcile.Report{}, false
	}
	return *t.last, true
}

// Scheduler fires the trigger on a fixed interval.
type Scheduler struct {
	trigger    *Trigger
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger
}

// New creates a scheduler.
func New(trigger *Trigger, interval time.Duration, runOnStart bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		trigger:    trigger,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger.Named("scheduler"),
	}
}

// Start runs until ctx is cancelled. Ticks that arrive while a pass is still running
// are dropped by the ticker, so passes from the scheduler never queue up.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Scheduler started",
		zap.Duration("interval", s.interval),
		zap.Bool("run_on_start", s.runOnStart))

	if s.runOnStart {
		s.trigger.RunReconciliation(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.trigger.RunReconciliation(ctx)
		}
	}
}
