package reconcile

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/benchsync/internal/probe"
	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
)

// memStore is an in-memory Store used to drive the reconciler in tests.
type memStore struct {
	name string

	mu     sync.Mutex
	rows   map[string]record.Record
	nextID int

	failLookup map[string]error
	failInsert map[string]error
	failUpdate map[string]error
	fetchErr   error

	calls   atomic.Int64
	inserts atomic.Int64
	updates atomic.Int64
}

func newMemStore(name string, recs ...record.Record) *memStore {
	s := &memStore{
		name:       name,
		rows:       make(map[string]record.Record),
		failLookup: make(map[string]error),
		failInsert: make(map[string]error),
		failUpdate: make(map[string]error),
	}
	for _, r := range recs {
		s.put(r)
	}
	return s
}

func (s *memStore) put(r record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.NativeID = s.name + "-" + strconv.Itoa(s.nextID)
	s.rows[r.CorrelationID] = r.Clone()
}

func (s *memStore) get(id string) (record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	return r, ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) Name() string { return s.name }

func (s *memStore) FetchActive(ctx context.Context) ([]record.Record, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable.Wrap(err)
	}
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, 0, len(s.rows))
	for _, r := range s.rows {
		if !r.IsDeleted {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *memStore) FetchByCorrelationID(ctx context.Context, id string) (record.Record, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return record.Record{}, errors.StoreUnavailable.Wrap(err)
	}
	if err := s.failLookup[id]; err != nil {
		return record.Record{}, err
	}
	r, ok := s.get(id)
	if !ok {
		return record.Record{}, errors.NotFound.Explain("correlation id %s", id)
	}
	return r.Clone(), nil
}

func (s *memStore) Insert(ctx context.Context, r record.Record) (string, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", errors.StoreWrite.Wrap(err)
	}
	if err := s.failInsert[r.CorrelationID]; err != nil {
		return "", err
	}
	if _, ok := s.get(r.CorrelationID); ok {
		return "", errors.StoreWrite.Explain("duplicate correlation id %s", r.CorrelationID)
	}
	s.put(r)
	s.inserts.Add(1)
	got, _ := s.get(r.CorrelationID)
	return got.NativeID, nil
}

func (s *memStore) Update(ctx context.Context, id string, r record.Record) error {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return errors.StoreWrite.Wrap(err)
	}
	if err := s.failUpdate[id]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[id]
	if !ok {
		return errors.StoreWrite.Wrap(errors.NotFound.Explain("correlation id %s", id))
	}
	cur.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = r.UpdatedAt
	}
	s.rows[id] = cur
	s.updates.Add(1)
	return nil
}

type fakeProbe struct {
	a, b  bool
	calls atomic.Int64
}

func (p *fakeProbe) CheckStatus(ctx context.Context) probe.Status {
	p.calls.Add(1)
	return probe.Status{
		A:         probe.StoreStatus{Name: "document", Available: p.a},
		B:         probe.StoreStatus{Name: "relational", Available: p.b},
		CheckedAt: time.Now(),
	}
}

func at(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func rec(id string, updatedMs int64, payload string) record.Record {
	return record.Record{
		CorrelationID: id,
		Kind:          "execution_time",
		Payload:       json.RawMessage(payload),
		CreatedAt:     at(updatedMs),
		UpdatedAt:     at(updatedMs),
	}
}
