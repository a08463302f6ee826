// Package relational implements the relational store on GORM. Each record kind lives
// in its own table with an auto-increment primary key and a unique correlation_id column.
package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/Aidin1998/benchsync/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Name identifies this store in logs, metrics and probe results.
const Name = "relational"

// PoolConfig sizes the connection pool. Zero values fall back to defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps the shared gorm handle.
type DB struct {
	db     *gorm.DB
	driver string
	logger *zap.Logger
}

// Open connects to postgres or sqlite. sqlite is limited to a single connection so
// every caller sees the same database file state.
func Open(driver, dsn string, pool PoolConfig, logger *zap.Logger) (*DB, error) {
	gcfg := &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
		gcfg.PrepareStmt = true
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported relational driver %q", driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if pool.MaxOpenConns == 0 {
		pool.MaxOpenConns = 20
	}
	if pool.MaxIdleConns == 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime == 0 {
		pool.ConnMaxLifetime = time.Hour
	}
	if driver == "sqlite" {
		pool.MaxOpenConns, pool.MaxIdleConns = 1, 1
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return New(db, driver, logger), nil
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB, driver string, logger *zap.Logger) *DB {
	return &DB{db: db, driver: driver, logger: logger.Named(Name)}
}

// Ping checks connectivity through the underlying pool.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return errors.StoreUnavailable.Wrap(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.StoreUnavailable.Wrap(err)
	}
	return nil
}

// Close releases every pooled connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReportPoolStats publishes connection pool gauges.
func (d *DB) ReportPoolStats() {
	sqlDB, err := d.db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	metrics.DBOpenConns.WithLabelValues(d.driver).Set(float64(stats.OpenConnections))
	metrics.DBIdleConns.WithLabelValues(d.driver).Set(float64(stats.Idle))
	metrics.DBInUseConns.WithLabelValues(d.driver).Set(float64(stats.InUse))
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Table migrates the table backing one record kind and returns its adapter.
func (d *DB) Table(ctx context.Context, table, kind string) (*Store, error) {
	if !tableName.MatchString(table) {
		return nil, errors.Invalid.Explain("invalid table name %q", table)
	}
	db := d.db.WithContext(ctx)
	if err := db.Table(table).AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", table, err)
	}
	// Index names are global in sqlite, so they carry the table name.
	ddl := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_correlation_id ON %s (correlation_id)", table, table)
	if err := db.Exec(ddl).Error; err != nil {
		return nil, fmt.Errorf("index %s: %w", table, err)
	}
	return &Store{db: d, table: table, kind: kind}, nil
}

// row is the table shape shared by every kind. Timestamps are written exactly as
// supplied, so gorm's automatic tracking is off.
type row struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	CorrelationID string    `gorm:"size:128;not null"`
	Payload       string    `gorm:"type:text;not null"`
	IsDeleted     bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false;not null"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false;not null"`
}

func (r row) toRecord(kind string) record.Record {
	return record.Record{
		CorrelationID: r.CorrelationID,
		NativeID:      strconv.FormatUint(r.ID, 10),
		Kind:          kind,
		Payload:       json.RawMessage(r.Payload),
		IsDeleted:     r.IsDeleted,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}.Normalize()
}

// Store is the relational adapter for one kind.
type Store struct {
	db    *DB
	table string
	kind  string
}

func (s *Store) Name() string { return Name }

func (s *Store) Kind() string { return s.kind }

func (s *Store) Table() string { return s.table }

func (s *Store) query(ctx context.Context) *gorm.DB {
	return s.db.db.WithContext(ctx).Table(s.table)
}

// FetchActive returns every row of the kind that is not soft-deleted, in insertion order.
func (s *Store) FetchActive(ctx context.Context) ([]record.Record, error) {
	var rows []row
	if err := s.query(ctx).Where("is_deleted = ?", false).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.StoreUnavailable.Explain("scan %s", s.table).Wrap(err)
	}
	out := make([]record.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord(s.kind))
	}
	return out, nil
}

// FetchByCorrelationID returns the row with the given correlation id, soft-deleted or not.
func (s *Store) FetchByCorrelationID(ctx context.Context, correlationID string) (record.Record, error) {
	var r row
	if err := s.query(ctx).Where("correlation_id = ?", correlationID).Take(&r).Error; err != nil {
		return record.Record{}, s.readError(err, "correlation id %s", correlationID)
	}
	return r.toRecord(s.kind), nil
}

// FetchByNativeID loads a row by primary key.
func (s *Store) FetchByNativeID(ctx context.Context, id string) (record.Record, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return record.Record{}, errors.NotFound.Explain("%s row %q", s.table, id)
	}
	var r row
	if err := s.query(ctx).Where("id = ?", n).Take(&r).Error; err != nil {
		return record.Record{}, s.readError(err, "id %d", n)
	}
	return r.toRecord(s.kind), nil
}

func (s *Store) readError(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFound.Explain("%s row with "+format, append([]interface{}{s.table}, args...)...)
	}
	return errors.StoreUnavailable.Explain("read %s", s.table).Wrap(err)
}

// Insert adds a row, preserving the supplied correlation id, timestamps and payload.
// The database assigns the primary key.
func (s *Store) Insert(ctx context.Context, rec record.Record) (string, error) {
	if rec.CorrelationID == "" {
		return "", errors.StoreWrite.Explain("missing correlation id")
	}
	rec = rec.Normalize()
	r := row{
		CorrelationID: rec.CorrelationID,
		Payload:       string(rec.Payload),
		IsDeleted:     rec.IsDeleted,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if err := s.query(ctx).Create(&r).Error; err != nil {
		return "", errors.StoreWrite.Explain("insert into %s", s.table).Wrap(err)
	}
	return strconv.FormatUint(r.ID, 10), nil
}

// Update overwrites the payload and moves updated_at forward. It never moves it back.
func (s *Store) Update(ctx context.Context, correlationID string, rec record.Record) error {
	updatedAt := record.Stamp(rec.UpdatedAt)
	payload := string(rec.Payload)
	return s.modify(ctx, correlationID, func(cur row) map[string]interface{} {
		return map[string]interface{}{
			"payload":    payload,
			"updated_at": later(cur.UpdatedAt, updatedAt),
		}
	})
}

// MarkDeleted soft-deletes a row.
func (s *Store) MarkDeleted(ctx context.Context, correlationID string, at time.Time) error {
	at = record.Stamp(at)
	return s.modify(ctx, correlationID, func(cur row) map[string]interface{} {
		return map[string]interface{}{
			"is_deleted": true,
			"updated_at": later(cur.UpdatedAt, at),
		}
	})
}

func (s *Store) modify(ctx context.Context, correlationID string, changes func(cur row) map[string]interface{}) error {
	err := s.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur row
		if err := tx.Table(s.table).Where("correlation_id = ?", correlationID).Take(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound.Explain("%s row with correlation id %s", s.table, correlationID)
			}
			return err
		}
		return tx.Table(s.table).Where("id = ?", cur.ID).Updates(changes(cur)).Error
	})
	if err != nil {
		return errors.StoreWrite.Explain("update %s", s.table).Wrap(err)
	}
	return nil
}

func later(cur, next time.Time) time.Time {
	cur = record.Stamp(cur)
	if next.After(cur) {
		return next
	}
	return cur
}
