package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/benchsync/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Runner reconciles one record kind without probing.
type Runner interface {
	Kind() string
	Reconcile(ctx context.Context) Summary
}

// Publisher receives every finished report.
type Publisher interface {
	Publish(ctx context.Context, report Report) error
}

// Service runs every configured kind behind a single availability check.
type Service struct {
	probe     StatusChecker
	runners   []Runner
	publisher Publisher
	logger    *zap.Logger
}

// NewService creates a service. Runners execute in the given order.
func NewService(probe StatusChecker, runners []Runner, logger *zap.Logger) *Service {
	return &Service{probe: probe, runners: runners, logger: logger.Named("reconcile")}
}

// WithPublisher attaches a report publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Kinds lists the configured kinds.
func (s *Service) Kinds() []string {
	kinds := make([]string, len(s.runners))
	for i, r := range s.runners {
		kinds[i] = r.Kind()
	}
	return kinds
}

// RunReconciliation runs one pass. It never returns an error: unavailable stores
// defer the pass, and a mid-pass abort stops the remaining kinds.
func (s *Service) RunReconciliation(ctx context.Context) Report {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.pass")
	defer span.End()

	start := time.Now()
	status := s.probe.CheckStatus(ctx)
	if !status.BothAvailable() {
		report := Deferred(fmt.Sprintf("store unavailable: %v", status.Unavailable()), start.UTC())
		report.Status = &status
		s.logger.Info("One or both stores are not reachable, skipping synchronization",
			zap.Strings("unavailable", status.Unavailable()))
		metrics.ReconcilePasses.WithLabelValues("deferred").Inc()
		s.publish(ctx, report)
		return report
	}

	report := Report{
		Kinds:     make(map[string]Summary, len(s.runners)),
		Status:    &status,
		StartedAt: start.UTC(),
	}
	for _, r := range s.runners {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			report.Reason = err.Error()
			break
		}
		sum := r.Reconcile(ctx)
		report.Kinds[r.Kind()] = sum
		report.Totals.Add(sum)
		if sum.Aborted {
			report.Aborted = true
			report.Reason = fmt.Sprintf("%s: %s", r.Kind(), sum.Reason)
			break
		}
	}
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("writes", report.Totals.Writes()),
		attribute.Bool("aborted", report.Aborted),
	)
	metrics.ReconcileDuration.Observe(report.Duration.Seconds())
	if report.Aborted {
		metrics.ReconcilePasses.WithLabelValues("aborted").Inc()
	} else {
		metrics.ReconcilePasses.WithLabelValues("completed").Inc()
	}

	s.logger.Info("Reconciliation pass finished",
		zap.Int("writes", report.Totals.Writes()),
		zap.Int("skipped", report.Totals.Skipped),
		zap.Int("conflicts", report.Totals.Conflicts),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("duration", report.Duration))

	s.publish(ctx, report)
	return report
}

func (s *Service) publish(ctx context.Context, report Report) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, report); err != nil {
		s.logger.Warn("Failed to publish reconciliation report", zap.Error(err))
	}
}
