package benchmark

import (
	"context"
	"time"

	"github.com/Aidin1998/benchsync/internal/probe"
	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/Aidin1998/benchsync/pkg/validation"
	"go.uber.org/zap"
)

// Store is what the recorder needs from either store adapter.
type Store interface {
	Name() string
	FetchByCorrelationID(ctx context.Context, correlationID string) (record.Record, error)
	Insert(ctx context.Context, r record.Record) (string, error)
	Update(ctx context.Context, correlationID string, r record.Record) error
	MarkDeleted(ctx context.Context, correlationID string, at time.Time) error
}

// StoreSet is the pair of adapters serving one kind.
type StoreSet struct {
	Document   Store
	Relational Store
}

// StatusChecker reports store reachability. Status.A is the document store.
type StatusChecker interface {
	CheckStatus(ctx context.Context) probe.Status
}

// Recorder writes benchmark records into their origin store. The document store is
// preferred; the relational store takes writes while the document store is down.
// Reconciliation copies the record to the other store later.
type Recorder struct {
	probe     StatusChecker
	stores    map[Kind]StoreSet
	validator *validation.Validator
	logger    *zap.Logger
}

// NewRecorder creates a recorder over the given per-kind stores.
func NewRecorder(p StatusChecker, stores map[Kind]StoreSet, v *validation.Validator, logger *zap.Logger) *Recorder {
	return &Recorder{probe: p, stores: stores, validator: v, logger: logger.Named("recorder")}
}

// Record validates p, computes its aggregates and inserts it as a new record with a
// fresh correlation id.
func (r *Recorder) Record(ctx context.Context, kind Kind, p Payload) (record.Record, error) {
	set, err := r.storeSet(kind)
	if err != nil {
		return record.Record{}, err
	}
	if err := r.validator.ValidateStruct(p); err != nil {
		return record.Record{}, err
	}
	if err := Summarize(kind, &p); err != nil {
		return record.Record{}, err
	}
	raw, err := p.Encode()
	if err != nil {
		return record.Record{}, err
	}

	now := record.Now()
	rec := record.Record{
		CorrelationID: record.NewCorrelationID(),
		Kind:          string(kind),
		Payload:       raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	targets := r.reachable(ctx, set)
	if len(targets) == 0 {
		return record.Record{}, errors.NoStoreAvailable.Explain("cannot record %s benchmark", kind)
	}
	target := targets[0]
	id, err := target.Insert(ctx, rec)
	if err != nil {
		return record.Record{}, err
	}
	rec.NativeID = id

	r.logger.Info("Benchmark recorded",
		zap.String("kind", string(kind)),
		zap.String("store", target.Name()),
		zap.String("correlation_id", rec.CorrelationID))
	return rec, nil
}

// Get reads a live record from the first reachable store that holds it.
func (r *Recorder) Get(ctx context.Context, kind Kind, correlationID string) (record.Record, error) {
	_, rec, err := r.locate(ctx, kind, correlationID)
	return rec, err
}

// Touch replaces the payload of a record in the store it is found in and moves its
// updatedAt strictly forward, so the next pass carries the change across.
func (r *Recorder) Touch(ctx context.Context, kind Kind, correlationID string, p Payload) (record.Record, error) {
	if err := r.validator.ValidateStruct(p); err != nil {
		return record.Record{}, err
	}
	if err := Summarize(kind, &p); err != nil {
		return record.Record{}, err
	}
	raw, err := p.Encode()
	if err != nil {
		return record.Record{}, err
	}

	store, cur, err := r.locate(ctx, kind, correlationID)
	if err != nil {
		return record.Record{}, err
	}

	updatedAt := record.Now()
	if !updatedAt.After(cur.UpdatedAt) {
		updatedAt = cur.UpdatedAt.Add(record.TimestampPrecision)
	}
	cur.Payload = raw
	cur.UpdatedAt = updatedAt
	if err := store.Update(ctx, correlationID, cur); err != nil {
		return record.Record{}, err
	}

	r.logger.Info("Benchmark updated",
		zap.String("kind", string(kind)),
		zap.String("store", store.Name()),
		zap.String("correlation_id", correlationID))
	return cur, nil
}

// Delete soft-deletes the record in every reachable store that holds it. The
// reconciler never propagates deletions, so each copy is marked here.
func (r *Recorder) Delete(ctx context.Context, kind Kind, correlationID string) error {
	set, err := r.storeSet(kind)
	if err != nil {
		return err
	}
	targets := r.reachable(ctx, set)
	if len(targets) == 0 {
		return errors.NoStoreAvailable.Explain("cannot delete %s benchmark", kind)
	}

	now := record.Now()
	deleted := 0
	for _, s := range targets {
		cur, err := s.FetchByCorrelationID(ctx, correlationID)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if cur.IsDeleted {
			continue
		}
		if err := s.MarkDeleted(ctx, correlationID, now); err != nil {
			return err
		}
		deleted++
	}
	if deleted == 0 {
		return errors.NotFound.Explain("%s benchmark %s", kind, correlationID)
	}

	r.logger.Info("Benchmark deleted",
		zap.String("kind", string(kind)),
		zap.String("correlation_id", correlationID),
		zap.Int("copies", deleted))
	return nil
}

func (r *Recorder) locate(ctx context.Context, kind Kind, correlationID string) (Store, record.Record, error) {
	set, err := r.storeSet(kind)
	if err != nil {
		return nil, record.Record{}, err
	}
	targets := r.reachable(ctx, set)
	if len(targets) == 0 {
		return nil, record.Record{}, errors.NoStoreAvailable.Explain("cannot read %s benchmark", kind)
	}
	for _, s := range targets {
		rec, err := s.FetchByCorrelationID(ctx, correlationID)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, record.Record{}, err
		}
		if rec.IsDeleted {
			continue
		}
		return s, rec, nil
	}
	return nil, record.Record{}, errors.NotFound.Explain("%s benchmark %s", kind, correlationID)
}

func (r *Recorder) storeSet(kind Kind) (StoreSet, error) {
	set, ok := r.stores[kind]
	if !ok {
		return StoreSet{}, errors.Invalid.Explain("benchmark kind %q is not configured", kind)
	}
	return set, nil
}

// reachable returns the kind's stores that answered the probe, preferred first.
func (r *Recorder) reachable(ctx context.Context, set StoreSet) []Store {
	status := r.probe.CheckStatus(ctx)
	var out []Store
	if status.A.Available && set.Document != nil {
		out = append(out, set.Document)
	}
	if status.B.Available && set.Relational != nil {
		out = append(out, set.Relational)
	}
	return out
}
