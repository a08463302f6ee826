// Package reconcile keeps records consistent across two independently owned stores.
//
// A pass pulls the active records of both stores, then pushes each record to the
// other side: missing twins are created, stale twins are updated when the source
// copy is strictly newer. Soft-deleted records are never scanned and nothing is
// ever deleted. Only one pass may run at a time; callers enforce that with a lease.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/benchsync/internal/probe"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/Aidin1998/benchsync/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/Aidin1998/benchsync/internal/reconcile"

// Entity is the capability set the reconciler needs from a record. The payload
// itself stays opaque; only its fingerprint is compared.
type Entity interface {
	CorrelationKey() string
	LastModified() time.Time
	SoftDeleted() bool
	Fingerprint() string
}

// Store is the adapter contract the reconciler drives. FetchByCorrelationID must
// return an error matching errors.NotFound when no record exists, and failures to
// reach the store must match errors.StoreUnavailable.
type Store[E Entity] interface {
	Name() string
	FetchActive(ctx context.Context) ([]E, error)
	FetchByCorrelationID(ctx context.Context, correlationID string) (E, error)
	Insert(ctx context.Context, e E) (string, error)
	Update(ctx context.Context, correlationID string, e E) error
}

// StatusChecker reports store reachability.
type StatusChecker interface {
	CheckStatus(ctx context.Context) probe.Status
}

// Options tune a reconciler.
type Options struct {
	// Kind labels logs and metrics.
	Kind string
	// Workers bounds concurrent record operations per direction.
	Workers int
	// OpTimeout bounds every single-record store call.
	OpTimeout time.Duration
	// FetchTimeout bounds each FetchActive call.
	FetchTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
}

// Reconciler reconciles one record kind between store A and store B.
type Reconciler[E Entity] struct {
	a, b   Store[E]
	probe  StatusChecker
	opts   Options
	logger *zap.Logger
}

// New creates a reconciler. probe may be nil when the caller checks availability itself.
func New[E Entity](a, b Store[E], probe StatusChecker, opts Options, logger *zap.Logger) *Reconciler[E] {
	opts.setDefaults()
	return &Reconciler[E]{
		a:      a,
		b:      b,
		probe:  probe,
		opts:   opts,
		logger: logger.Named("reconcile").With(zap.String("kind", opts.Kind)),
	}
}

// Kind returns the record kind this reconciler serves.
func (r *Reconciler[E]) Kind() string { return r.opts.Kind }

// Run checks availability and, when both stores answer, runs one pass.
func (r *Reconciler[E]) Run(ctx context.Context) Summary {
	if r.probe != nil {
		status := r.probe.CheckStatus(ctx)
		if !status.BothAvailable() {
			reason := fmt.Sprintf("store unavailable: %v", status.Unavailable())
			r.logger.Info("Skipping synchronization", zap.String("reason", reason))
			return Summary{Aborted: true, Reason: reason}
		}
	}
	return r.Reconcile(ctx)
}

type direction[E Entity] struct {
	idx      int
	label    string
	src, dst Store[E]
}

// Reconcile runs one pass without probing. Adapter errors never escape: they end up
// as counters, log entries and the Aborted flag.
func (r *Reconciler[E]) Reconcile(ctx context.Context) Summary {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.kind")
	span.SetAttributes(attribute.String("kind", r.opts.Kind))
	defer span.End()

	activeA, err := r.fetchActive(ctx, r.a)
	if err != nil {
		return r.abort(err)
	}
	activeB, err := r.fetchActive(ctx, r.b)
	if err != nil {
		return r.abort(err)
	}

	var t tally
	dirs := []struct {
		dir     direction[E]
		records []E
	}{
		{direction[E]{idx: dirAtoB, label: r.a.Name() + "_to_" + r.b.Name(), src: r.a, dst: r.b}, activeA},
		{direction[E]{idx: dirBtoA, label: r.b.Name() + "_to_" + r.a.Name(), src: r.b, dst: r.a}, activeB},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dirs {
		d := d
		g.Go(func() error {
			return r.push(gctx, d.dir, d.records, &t)
		})
	}
	err = g.Wait()

	s := t.summary()
	if err != nil {
		s.Aborted = true
		s.Reason = err.Error()
		span.RecordError(err)
		r.logger.Warn("Synchronization aborted mid-pass", zap.Error(err),
			zap.Int("created_a_to_b", s.CreatedAtoB), zap.Int("created_b_to_a", s.CreatedBtoA),
			zap.Int("updated_a_to_b", s.UpdatedAtoB), zap.Int("updated_b_to_a", s.UpdatedBtoA))
		return s
	}

	r.logger.Info("Synchronization finished",
		zap.Int("created_a_to_b", s.CreatedAtoB),
		zap.Int("created_b_to_a", s.CreatedBtoA),
		zap.Int("updated_a_to_b", s.UpdatedAtoB),
		zap.Int("updated_b_to_a", s.UpdatedBtoA),
		zap.Int("skipped", s.Skipped),
		zap.Int("conflicts", s.Conflicts))
	return s
}

func (r *Reconciler[E]) abort(err error) Summary {
	r.logger.Warn("Synchronization aborted", zap.Error(err))
	return Summary{Aborted: true, Reason: err.Error()}
}

func (r *Reconciler[E]) fetchActive(ctx context.Context, s Store[E]) ([]E, error) {
	fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()
	records, err := s.FetchActive(fctx)
	if err != nil {
		return nil, fmt.Errorf("fetch active from %s: %w", s.Name(), err)
	}
	return records, nil
}

// push sends every active source record to the destination. Records are deduplicated
// by correlation id first, so no two workers ever touch the same logical record.
func (r *Reconciler[E]) push(ctx context.Context, dir direction[E], records []E, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, rec := range latestByCorrelation(records) {
		if gctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			return r.syncOne(gctx, dir, rec, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A cancelled parent with no worker error still means the pass did not finish.
	return ctx.Err()
}

func (r *Reconciler[E]) syncOne(ctx context.Context, dir direction[E], rec E, t *tally) error {
	key := rec.CorrelationKey()
	log := r.logger.With(zap.String("direction", dir.label), zap.String("correlation_id", key))

	lctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	twin, err := dir.dst.FetchByCorrelationID(lctx, key)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, errors.NotFound):
		wctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
		_, err := dir.dst.Insert(wctx, rec)
		cancel()
		if err != nil {
			return r.writeFailed(ctx, log, dir, "insert", err, t)
		}
		t.created[dir.idx].Add(1)
		metrics.ReconcileWrites.WithLabelValues(r.opts.Kind, dir.label, "insert").Inc()
		log.Debug("Record created in destination")
		return nil
	default:
		return r.readFailed(ctx, log, dir, err, t)
	}

	if twin.SoftDeleted() {
		// The destination deleted its copy out of band. Neither resurrect nor duplicate it.
		log.Debug("Destination copy is soft-deleted, leaving it alone")
		return nil
	}

	srcAt, dstAt := rec.LastModified(), twin.LastModified()
	switch {
	case srcAt.After(dstAt):
		wctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
		err := dir.dst.Update(wctx, key, rec)
		cancel()
		if err != nil {
			return r.writeFailed(ctx, log, dir, "update", err, t)
		}
		t.updated[dir.idx].Add(1)
		metrics.ReconcileWrites.WithLabelValues(r.opts.Kind, dir.label, "update").Inc()
		log.Debug("Record updated in destination", zap.Time("source_updated_at", srcAt), zap.Time("destination_updated_at", dstAt))
	case srcAt.Equal(dstAt) && rec.Fingerprint() != twin.Fingerprint():
		// Both sides are visited, so only one direction reports the conflict.
		if dir.idx == dirAtoB {
			t.conflicts.Add(1)
			metrics.ReconcileConflicts.WithLabelValues(r.opts.Kind).Inc()
			log.Warn("Diverging payloads with identical updatedAt, manual review required", zap.Time("updated_at", srcAt))
		}
	}
	return nil
}

// readFailed aborts the pass when the destination is unreachable and skips the record otherwise.
func (r *Reconciler[E]) readFailed(ctx context.Context, log *zap.Logger, dir direction[E], err error, t *tally) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errors.StoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lookup in %s: %w", dir.dst.Name(), errors.StoreUnavailable.Wrap(err))
	}
	r.skip(log, dir, "lookup", err, t)
	return nil
}

// writeFailed skips the record. Only an explicit StoreUnavailable aborts the pass.
func (r *Reconciler[E]) writeFailed(ctx context.Context, log *zap.Logger, dir direction[E], op string, err error, t *tally) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errors.StoreUnavailable) {
		return fmt.Errorf("%s into %s: %w", op, dir.dst.Name(), err)
	}
	r.skip(log, dir, op, err, t)
	return nil
}

func (r *Reconciler[E]) skip(log *zap.Logger, dir direction[E], op string, err error, t *tally) {
	t.skipped.Add(1)
	metrics.ReconcileSkipped.WithLabelValues(r.opts.Kind, dir.label).Inc()
	log.Error("Record skipped", zap.String("op", op), zap.Error(err))
}

// latestByCorrelation drops soft-deleted records and keeps one record per correlation
// id, preferring the newest, preserving first-seen order.
func latestByCorrelation[E Entity](records []E) []E {
	pos := make(map[string]int, len(records))
	out := make([]E, 0, len(records))
	for _, rec := range records {
		if rec.SoftDeleted() {
			continue
		}
		key := rec.CorrelationKey()
		if i, ok := pos[key]; ok {
			if rec.LastModified().After(out[i].LastModified()) {
				out[i] = rec
			}
			continue
		}
		pos[key] = len(out)
		out = append(out, rec)
	}
	return out
}
