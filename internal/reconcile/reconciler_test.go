package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestReconciler(t *testing.T, a, b *memStore, p StatusChecker, workers int) *Reconciler[record.Record] {
	t.Helper()
	return New[record.Record](a, b, p, Options{
		Kind:      "execution_time",
		Workers:   workers,
		OpTimeout: time.Second,
	}, zaptest.NewLogger(t))
}

func TestScenarioSoftDeletedNotCopied(t *testing.T) {
	a1 := rec("a1", 100, `{"testType":"loop"}`)
	a2 := rec("a2", 200, `{"testType":"map"}`)
	a2.IsDeleted = true
	a := newMemStore("document", a1, a2)
	b := newMemStore("relational")

	r := newTestReconciler(t, a, b, &fakeProbe{a: true, b: true}, 4)
	s := r.Run(context.Background())

	assert.Equal(t, Summary{CreatedAtoB: 1}, s)
	_, ok := b.get("a1")
	assert.True(t, ok)
	_, ok = b.get("a2")
	assert.False(t, ok)
}

func TestConvergenceCopiesPayloadAndCorrelationID(t *testing.T) {
	x := rec("X", 1_000, `{"overallAverage":"1.25","results":[1,2]}`)
	a := newMemStore("document", x)
	b := newMemStore("relational")

	s := newTestReconciler(t, a, b, nil, 2).Reconcile(context.Background())
	require.Equal(t, 1, s.CreatedAtoB)

	got, ok := b.get("X")
	require.True(t, ok)
	assert.Equal(t, "X", got.CorrelationID)
	assert.JSONEq(t, string(x.Payload), string(got.Payload))
	assert.True(t, got.UpdatedAt.Equal(x.UpdatedAt))
	assert.True(t, got.CreatedAt.Equal(x.CreatedAt))
	assert.NotEqual(t, x.NativeID, got.NativeID)
}

func TestIdempotentSecondPass(t *testing.T) {
	a := newMemStore("document", rec("a1", 100, `{"v":1}`), rec("shared", 300, `{"v":"new"}`))
	b := newMemStore("relational", rec("b1", 150, `{"v":2}`), rec("shared", 200, `{"v":"old"}`))
	r := newTestReconciler(t, a, b, &fakeProbe{a: true, b: true}, 3)

	first := r.Run(context.Background())
	assert.Equal(t, 1, first.CreatedAtoB)
	assert.Equal(t, 1, first.CreatedBtoA)
	assert.Equal(t, 1, first.UpdatedAtoB)
	assert.Equal(t, 0, first.UpdatedBtoA)

	second := r.Run(context.Background())
	assert.Equal(t, Summary{}, second)
	assert.Equal(t, int64(2), a.inserts.Load()+b.inserts.Load())
}

func TestLastWriteWins(t *testing.T) {
	a := newMemStore("document", rec("X", 2_000, `{"v":"t2"}`))
	b := newMemStore("relational", rec("X", 1_000, `{"v":"t1"}`))
	r := newTestReconciler(t, a, b, nil, 1)

	s := r.Reconcile(context.Background())
	assert.Equal(t, 1, s.UpdatedAtoB)
	assert.Equal(t, 0, s.UpdatedBtoA)

	got, _ := b.get("X")
	assert.JSONEq(t, `{"v":"t2"}`, string(got.Payload))
	assert.True(t, got.UpdatedAt.Equal(at(2_000)))

	again := r.Reconcile(context.Background())
	assert.Equal(t, 0, again.Writes())
	orig, _ := a.get("X")
	assert.JSONEq(t, `{"v":"t2"}`, string(orig.Payload))
}

func TestNewerRelationalCopyFlowsBack(t *testing.T) {
	a := newMemStore("document", rec("X", 1_000, `{"v":"old"}`))
	b := newMemStore("relational", rec("X", 5_000, `{"v":"new"}`))

	s := newTestReconciler(t, a, b, nil, 2).Reconcile(context.Background())
	assert.Equal(t, 1, s.UpdatedBtoA)
	got, _ := a.get("X")
	assert.JSONEq(t, `{"v":"new"}`, string(got.Payload))
}

func TestEqualTimestampsNeverWrite(t *testing.T) {
	a := newMemStore("document", rec("same", 1_000, `{"v":1}`), rec("clash", 1_000, `{"v":"a"}`))
	b := newMemStore("relational", rec("same", 1_000, `{"v":1}`), rec("clash", 1_000, `{"v":"b"}`))

	s := newTestReconciler(t, a, b, nil, 2).Reconcile(context.Background())
	assert.Equal(t, 0, s.Writes())
	assert.Equal(t, 1, s.Conflicts)

	got, _ := b.get("clash")
	assert.JSONEq(t, `{"v":"b"}`, string(got.Payload))
	assert.Zero(t, a.updates.Load()+b.updates.Load())
}

func TestSoftDeletedNeverCreatedAcrossPasses(t *testing.T) {
	gone := rec("gone", 100, `{}`)
	gone.IsDeleted = true
	a := newMemStore("document", gone)
	b := newMemStore("relational")
	r := newTestReconciler(t, a, b, &fakeProbe{a: true, b: true}, 2)

	for i := 0; i < 5; i++ {
		s := r.Run(context.Background())
		assert.Equal(t, Summary{}, s)
	}
	assert.Equal(t, 0, b.len())
}

func TestSoftDeletedTwinIsLeftAlone(t *testing.T) {
	a := newMemStore("document", rec("X", 9_000, `{"v":"newer"}`))
	deleted := rec("X", 1_000, `{"v":"old"}`)
	deleted.IsDeleted = true
	b := newMemStore("relational", deleted)

	s := newTestReconciler(t, a, b, nil, 1).Reconcile(context.Background())
	assert.Equal(t, Summary{}, s)
	got, _ := b.get("X")
	assert.True(t, got.IsDeleted)
	assert.JSONEq(t, `{"v":"old"}`, string(got.Payload))
}

func TestPartialFailureContainment(t *testing.T) {
	var recs []record.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, rec(fmt.Sprintf("r%d", i), int64(100+i), `{"n":1}`))
	}
	a := newMemStore("document", recs...)
	b := newMemStore("relational")
	b.failInsert["r4"] = errors.StoreWrite.Explain("constraint violation")

	s := newTestReconciler(t, a, b, nil, 4).Reconcile(context.Background())
	assert.False(t, s.Aborted)
	assert.GreaterOrEqual(t, s.Skipped, 1)
	assert.Equal(t, 9, s.CreatedAtoB)
	for i := 0; i < 10; i++ {
		_, ok := b.get(fmt.Sprintf("r%d", i))
		assert.Equal(t, i != 4, ok, "record r%d", i)
	}
}

func TestUpdateFailureIsSkipped(t *testing.T) {
	a := newMemStore("document", rec("X", 2_000, `{"v":2}`), rec("Y", 2_000, `{"v":2}`))
	b := newMemStore("relational", rec("X", 1_000, `{"v":1}`), rec("Y", 1_000, `{"v":1}`))
	b.failUpdate["X"] = errors.StoreWrite.Explain("deadlock detected")

	s := newTestReconciler(t, a, b, nil, 2).Reconcile(context.Background())
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.UpdatedAtoB)
	assert.False(t, s.Aborted)
}

func TestUnavailableStoreIsNoop(t *testing.T) {
	a := newMemStore("document", rec("a1", 100, `{}`))
	b := newMemStore("relational")
	p := &fakeProbe{a: true, b: false}

	s := newTestReconciler(t, a, b, p, 2).Run(context.Background())
	assert.True(t, s.Aborted)
	assert.Equal(t, 0, s.Writes())
	assert.Equal(t, 0, s.Skipped)
	assert.Contains(t, s.Reason, "relational")
	assert.Zero(t, a.calls.Load())
	assert.Zero(t, b.calls.Load())
}

func TestMidPassUnavailabilityAbortsButKeepsWrites(t *testing.T) {
	a := newMemStore("document", rec("r1", 100, `{}`), rec("r2", 200, `{}`), rec("r3", 300, `{}`))
	b := newMemStore("relational")
	// FetchActive order from a map is random; pin it.
	ordered := []record.Record{rec("r1", 100, `{}`), rec("r2", 200, `{}`), rec("r3", 300, `{}`)}
	src := &orderedStore{memStore: a, order: ordered}
	b.failLookup["r2"] = errors.StoreUnavailable.Explain("connection reset")

	r := New[record.Record](src, b, nil, Options{Kind: "execution_time", Workers: 1, OpTimeout: time.Second}, zaptest.NewLogger(t))
	s := r.Reconcile(context.Background())

	assert.True(t, s.Aborted)
	assert.Contains(t, s.Reason, "StoreUnavailable")
	assert.Equal(t, 1, s.CreatedAtoB)
	_, ok := b.get("r1")
	assert.True(t, ok, "write applied before the failure stands")
	_, ok = b.get("r3")
	assert.False(t, ok, "remainder of the pass is abandoned")
}

func TestFetchFailureAborts(t *testing.T) {
	a := newMemStore("document", rec("r1", 100, `{}`))
	b := newMemStore("relational")
	b.fetchErr = errors.StoreUnavailable.Explain("timeout")

	s := newTestReconciler(t, a, b, nil, 1).Reconcile(context.Background())
	assert.True(t, s.Aborted)
	assert.Equal(t, 0, s.Writes())
	assert.Equal(t, 0, b.len())
}

func TestNonConnectivityLookupErrorSkipsRecord(t *testing.T) {
	a := newMemStore("document", rec("bad", 100, `{}`), rec("good", 100, `{}`))
	b := newMemStore("relational")
	b.failLookup["bad"] = fmt.Errorf("decode document: unexpected end of JSON input")

	s := newTestReconciler(t, a, b, nil, 2).Reconcile(context.Background())
	assert.False(t, s.Aborted)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.CreatedAtoB)
}

func TestCancelledContextAborts(t *testing.T) {
	a := newMemStore("document", rec("r1", 100, `{}`))
	b := newMemStore("relational")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestReconciler(t, a, b, nil, 1).Reconcile(ctx)
	assert.True(t, s.Aborted)
	assert.Equal(t, 0, b.len())
}

func TestDuplicateCorrelationIDsInSourceWriteOnce(t *testing.T) {
	a := newMemStore("document")
	src := &orderedStore{memStore: a, order: []record.Record{
		rec("dup", 100, `{"v":"old"}`),
		rec("dup", 500, `{"v":"new"}`),
	}}
	b := newMemStore("relational")

	r := New[record.Record](src, b, nil, Options{Kind: "page_load", Workers: 8}, zaptest.NewLogger(t))
	s := r.Reconcile(context.Background())
	assert.Equal(t, 1, s.CreatedAtoB)
	got, _ := b.get("dup")
	assert.JSONEq(t, `{"v":"new"}`, string(got.Payload))
}

func TestLatestByCorrelation(t *testing.T) {
	del := rec("d", 100, `{}`)
	del.IsDeleted = true
	out := latestByCorrelation([]record.Record{
		rec("x", 100, `{"v":1}`),
		del,
		rec("y", 100, `{}`),
		rec("x", 300, `{"v":3}`),
		rec("x", 200, `{"v":2}`),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].CorrelationID)
	assert.JSONEq(t, `{"v":3}`, string(out[0].Payload))
	assert.Equal(t, "y", out[1].CorrelationID)
}

// orderedStore serves FetchActive from a fixed slice and delegates everything else.
type orderedStore struct {
	*memStore
	order []record.Record
}

func (s *orderedStore) FetchActive(ctx context.Context) ([]record.Record, error) {
	return s.order, nil
}
