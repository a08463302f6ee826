// Package document implements the document-oriented store on BadgerDB. Each record
// kind is a collection of JSON documents addressed by a native document id, with a
// secondary index from correlation id to document id.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Name identifies this store in logs, metrics and probe results.
const Name = "document"

// DB owns the badger database shared by every collection.
type DB struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) the document database at path. An empty path keeps
// everything in memory.
func Open(path string, logger *zap.Logger) (*DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger.Named("badger").Sugar()}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &DB{db: db, logger: logger.Named(Name)}, nil
}

// Ping performs a read-only round trip.
func (d *DB) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable.Wrap(err)
	}
	if d.db.IsClosed() {
		return errors.StoreUnavailable.Explain("document database is closed")
	}
	if err := d.db.View(func(txn *badger.Txn) error { return nil }); err != nil {
		return errors.StoreUnavailable.Wrap(err)
	}
	return nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Collection returns the adapter for one record kind.
func (d *DB) Collection(kind string) *Store {
	return &Store{db: d, kind: kind}
}

// document is the stored shape. _id mirrors the mongo-style native id.
type document struct {
	ID            string          `json:"_id"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	IsDeleted     bool            `json:"isDeleted"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (doc document) toRecord(kind string) record.Record {
	return record.Record{
		CorrelationID: doc.CorrelationID,
		NativeID:      doc.ID,
		Kind:          kind,
		Payload:       doc.Payload,
		IsDeleted:     doc.IsDeleted,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}.Normalize()
}

// Store is the document adapter for one kind. It keeps no state between calls.
type Store struct {
	db   *DB
	kind string
}

// Name implements reconcile.Store.
func (s *Store) Name() string { return Name }

// Kind returns the collection's record kind.
func (s *Store) Kind() string { return s.kind }

// key format: doc/<kind>/<id>
func (s *Store) docKey(id string) []byte {
	return []byte("doc/" + s.kind + "/" + id)
}

func (s *Store) docPrefix() []byte {
	return []byte("doc/" + s.kind + "/")
}

// key format: idx/<kind>/<correlationID> -> <id>
func (s *Store) indexKey(correlationID string) []byte {
	return []byte("idx/" + s.kind + "/" + correlationID)
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable.Wrap(err)
	}
	if s.db.db.IsClosed() {
		return errors.StoreUnavailable.Explain("document database is closed")
	}
	return nil
}

// FetchActive returns every document of the kind that is not soft-deleted.
func (s *Store) FetchActive(ctx context.Context) ([]record.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var out []record.Record
	err := s.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := s.docPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return errors.StoreUnavailable.Wrap(err)
			}
			var doc document
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &doc)
			}); err != nil {
				s.db.logger.Error("Skipping undecodable document",
					zap.String("key", string(it.Item().Key())), zap.Error(err))
				continue
			}
			if doc.IsDeleted {
				continue
			}
			out = append(out, doc.toRecord(s.kind))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.StoreUnavailable) {
			return nil, err
		}
		return nil, errors.StoreUnavailable.Explain("scan %s", s.kind).Wrap(err)
	}
	return out, nil
}

// FetchByCorrelationID looks a document up through the correlation index. Soft-deleted
// documents are returned too.
func (s *Store) FetchByCorrelationID(ctx context.Context, correlationID string) (record.Record, error) {
	if err := s.ready(ctx); err != nil {
		return record.Record{}, err
	}
	var doc document
	err := s.db.db.View(func(txn *badger.Txn) error {
		id, err := s.lookupIndex(txn, correlationID)
		if err != nil {
			return err
		}
		return s.readDoc(txn, id, &doc)
	})
	if err != nil {
		return record.Record{}, err
	}
	return doc.toRecord(s.kind), nil
}

// FetchByNativeID loads a document by its document id.
func (s *Store) FetchByNativeID(ctx context.Context, id string) (record.Record, error) {
	if err := s.ready(ctx); err != nil {
		return record.Record{}, err
	}
	var doc document
	if err := s.db.db.View(func(txn *badger.Txn) error {
		return s.readDoc(txn, id, &doc)
	}); err != nil {
		return record.Record{}, err
	}
	return doc.toRecord(s.kind), nil
}

// Insert stores a new document under a fresh document id, preserving the supplied
// correlation id, timestamps and payload.
func (s *Store) Insert(ctx context.Context, r record.Record) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", errors.StoreWrite.Wrap(err)
	}
	if r.CorrelationID == "" {
		return "", errors.StoreWrite.Explain("missing correlation id")
	}
	r = r.Normalize()
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.StoreWrite.Wrap(err)
	}
	doc := document{
		ID:            id.String(),
		CorrelationID: r.CorrelationID,
		Payload:       r.Payload,
		IsDeleted:     r.IsDeleted,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	val, err := json.Marshal(doc)
	if err != nil {
		return "", errors.StoreWrite.Wrap(err)
	}

	err = s.db.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(s.indexKey(r.CorrelationID))
		if err == nil {
			return errors.StoreWrite.Explain("duplicate correlation id %s", r.CorrelationID)
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(s.docKey(doc.ID), val); err != nil {
			return err
		}
		return txn.Set(s.indexKey(r.CorrelationID), []byte(doc.ID))
	})
	if err != nil {
		return "", asWriteError(err)
	}
	return doc.ID, nil
}

// Update overwrites the payload and moves updatedAt forward. It never moves updatedAt back.
func (s *Store) Update(ctx context.Context, correlationID string, r record.Record) error {
	if err := s.ready(ctx); err != nil {
		return errors.StoreWrite.Wrap(err)
	}
	updatedAt := record.Stamp(r.UpdatedAt)
	return s.modify(correlationID, func(doc *document) {
		doc.Payload = r.Payload
		if updatedAt.After(doc.UpdatedAt) {
			doc.UpdatedAt = updatedAt
		}
	})
}

// MarkDeleted soft-deletes a document. Deletions are out of band for the reconciler.
func (s *Store) MarkDeleted(ctx context.Context, correlationID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return errors.StoreWrite.Wrap(err)
	}
	at = record.Stamp(at)
	return s.modify(correlationID, func(doc *document) {
		doc.IsDeleted = true
		if at.After(doc.UpdatedAt) {
			doc.UpdatedAt = at
		}
	})
}

func (s *Store) modify(correlationID string, fn func(doc *document)) error {
	err := s.db.db.Update(func(txn *badger.Txn) error {
		id, err := s.lookupIndex(txn, correlationID)
		if err != nil {
			return err
		}
		var doc document
		if err := s.readDoc(txn, id, &doc); err != nil {
			return err
		}
		fn(&doc)
		val, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return txn.Set(s.docKey(id), val)
	})
	if err != nil {
		return asWriteError(err)
	}
	return nil
}

func (s *Store) lookupIndex(txn *badger.Txn, correlationID string) (string, error) {
	item, err := txn.Get(s.indexKey(correlationID))
	if err == badger.ErrKeyNotFound {
		return "", errors.NotFound.Explain("%s document with correlation id %s", s.kind, correlationID)
	}
	if err != nil {
		return "", errors.StoreUnavailable.Wrap(err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", errors.StoreUnavailable.Wrap(err)
	}
	return string(v), nil
}

func (s *Store) readDoc(txn *badger.Txn, id string, doc *document) error {
	item, err := txn.Get(s.docKey(id))
	if err == badger.ErrKeyNotFound {
		return errors.NotFound.Explain("%s document %s", s.kind, id)
	}
	if err != nil {
		return errors.StoreUnavailable.Wrap(err)
	}
	return item.Value(func(v []byte) error {
		if err := json.Unmarshal(v, doc); err != nil {
			return fmt.Errorf("decode document %s: %w", id, err)
		}
		return nil
	})
}

// asWriteError classifies a failed write transaction. Writes never report
// StoreUnavailable: a lost write is skipped and retried on the next pass.
func asWriteError(err error) error {
	if errors.Is(err, errors.StoreWrite) {
		return err
	}
	return errors.StoreWrite.Wrap(err)
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
