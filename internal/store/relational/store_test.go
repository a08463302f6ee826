package relational

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type RelationalStoreTestSuite struct {
	suite.Suite
	db    *DB
	store *Store
	ctx   context.Context
}

func TestRelationalStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RelationalStoreTestSuite))
}

func (s *RelationalStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	dsn := filepath.Join(s.T().TempDir(), "benchsync.db")
	db, err := Open("sqlite", dsn, PoolConfig{}, zaptest.NewLogger(s.T()))
	s.Require().NoError(err)
	s.db = db

	s.store, err = db.Table(s.ctx, "execution_time_benchmarks", "execution_time")
	s.Require().NoError(err)
}

func (s *RelationalStoreTestSuite) TearDownTest() {
	_ = s.db.Close()
}

func sample(id string, updated time.Time) record.Record {
	return record.Record{
		CorrelationID: id,
		Kind:          "execution_time",
		Payload:       json.RawMessage(`{"testType":"loop","overallAverage":"0.42"}`),
		CreatedAt:     updated.Add(-time.Hour),
		UpdatedAt:     updated,
	}
}

func (s *RelationalStoreTestSuite) TestInsertPreservesFields() {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 987654321, time.UTC)
	id, err := s.store.Insert(s.ctx, sample("corr-1", updated))
	s.Require().NoError(err)
	s.NotEmpty(id)

	got, err := s.store.FetchByCorrelationID(s.ctx, "corr-1")
	s.Require().NoError(err)
	s.Equal(id, got.NativeID)
	s.True(got.UpdatedAt.Equal(record.Stamp(updated)), "updatedAt %v", got.UpdatedAt)
	s.True(got.CreatedAt.Equal(record.Stamp(updated.Add(-time.Hour))))
	s.JSONEq(`{"testType":"loop","overallAverage":"0.42"}`, string(got.Payload))

	byID, err := s.store.FetchByNativeID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("corr-1", byID.CorrelationID)
}

func (s *RelationalStoreTestSuite) TestMissingRowIsNotFound() {
	_, err := s.store.FetchByCorrelationID(s.ctx, "missing")
	s.True(errors.Is(err, errors.NotFound))

	_, err = s.store.FetchByNativeID(s.ctx, "42")
	s.True(errors.Is(err, errors.NotFound))

	_, err = s.store.FetchByNativeID(s.ctx, "not-a-number")
	s.True(errors.Is(err, errors.NotFound))
}

func (s *RelationalStoreTestSuite) TestDuplicateCorrelationRejected() {
	_, err := s.store.Insert(s.ctx, sample("dup", time.Now()))
	s.Require().NoError(err)
	_, err = s.store.Insert(s.ctx, sample("dup", time.Now()))
	s.True(errors.Is(err, errors.StoreWrite))
}

func (s *RelationalStoreTestSuite) TestFetchActiveExcludesDeleted() {
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.store.Insert(s.ctx, sample(id, time.Now()))
		s.Require().NoError(err)
	}
	s.Require().NoError(s.store.MarkDeleted(s.ctx, "b", time.Now()))

	active, err := s.store.FetchActive(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(active, 2)
	s.Equal("a", active[0].CorrelationID)
	s.Equal("c", active[1].CorrelationID)

	deleted, err := s.store.FetchByCorrelationID(s.ctx, "b")
	s.Require().NoError(err)
	s.True(deleted.IsDeleted)
}

func (s *RelationalStoreTestSuite) TestUpdateIsMonotonic() {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.store.Insert(s.ctx, sample("x", t0))
	s.Require().NoError(err)

	newer := sample("x", t0.Add(time.Minute))
	newer.Payload = json.RawMessage(`{"v":2}`)
	s.Require().NoError(s.store.Update(s.ctx, "x", newer))

	got, err := s.store.FetchByCorrelationID(s.ctx, "x")
	s.Require().NoError(err)
	s.JSONEq(`{"v":2}`, string(got.Payload))
	s.True(got.UpdatedAt.Equal(t0.Add(time.Minute)))

	older := sample("x", t0)
	s.Require().NoError(s.store.Update(s.ctx, "x", older))
	got, err = s.store.FetchByCorrelationID(s.ctx, "x")
	s.Require().NoError(err)
	s.True(got.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func (s *RelationalStoreTestSuite) TestUpdateMissingRowFails() {
	err := s.store.Update(s.ctx, "ghost", sample("ghost", time.Now()))
	s.True(errors.Is(err, errors.StoreWrite))
	s.True(errors.Is(err, errors.NotFound))
}

func (s *RelationalStoreTestSuite) TestTablesAreIndependent() {
	pages, err := s.db.Table(s.ctx, "page_load_benchmarks", "page_load")
	s.Require().NoError(err)

	_, err = s.store.Insert(s.ctx, sample("shared", time.Now()))
	s.Require().NoError(err)
	_, err = pages.Insert(s.ctx, sample("shared", time.Now()))
	s.Require().NoError(err)

	got, err := pages.FetchByCorrelationID(s.ctx, "shared")
	s.Require().NoError(err)
	s.Equal("page_load", got.Kind)
}

func (s *RelationalStoreTestSuite) TestTableNameValidated() {
	_, err := s.db.Table(s.ctx, "bad; drop table x", "execution_time")
	s.True(errors.Is(err, errors.Invalid))
}

func (s *RelationalStoreTestSuite) TestClosedPoolIsUnavailable() {
	s.Require().NoError(s.db.Ping(s.ctx))
	s.Require().NoError(s.db.Close())

	s.True(errors.Is(s.db.Ping(s.ctx), errors.StoreUnavailable))
	_, err := s.store.FetchActive(s.ctx)
	s.True(errors.Is(err, errors.StoreUnavailable))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "", PoolConfig{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}
