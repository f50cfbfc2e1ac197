package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"github.com/gmsas95/preventx/internal/config"
	"github.com/gmsas95/preventx/internal/health"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides unified access to the relational database and BadgerDB
type Store struct {
	db      *gorm.DB
	badger  *badger.DB
	breaker *gobreaker.CircuitBreaker[any]
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// Options configures a Store built around already opened databases
type Options struct {
	ReadRetries int
	Backoff     time.Duration
}

// New opens the configured database and BadgerDB and migrates the schema
func New(cfg *config.StorageConfig, log *zap.Logger) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = OpenPostgres(cfg.PostgresDSN)
	default:
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = filepath.Join(cfg.DataDir, "preventx.db")
		}
		db, err = OpenSQLite(sqlitePath)
	}
	if err != nil {
		return nil, err
	}

	badgerPath := cfg.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.DataDir, "badger")
	}

	// Open BadgerDB with optimizations
	badgerOpts := badger.DefaultOptions(badgerPath).
		WithLogger(nil). // Disable verbose logging
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20). // 16MB value log files
		WithMemTableSize(16 << 20)      // 16MB memtable

	badgerDB, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return NewWithDB(db, badgerDB, log, Options{ReadRetries: cfg.ReadRetries})
}

// OpenSQLite opens a SQLite file through the pure Go driver
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite allows a single writer; one connection keeps writes ordered
	// without SQLITE_BUSY churn.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL database
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}
}

// NewWithDB wraps opened databases and migrates the schema
func NewWithDB(db *gorm.DB, kv *badger.DB, log *zap.Logger, opts Options) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		badger:  kv,
		retries: opts.ReadRetries,
		backoff: opts.Backoff,
		logger:  log,
	}
	s.breaker = newBreaker(log)
	return s, nil
}

// Migrate creates or updates the engine tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&health.VitalReading{},
		&health.MedicationSchedule{},
		&health.DoseEvent{},
		&health.FactorInput{},
		&health.UserSettings{},
		&health.WellnessSnapshot{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close closes all database connections
func (s *Store) Close() error {
	var firstErr error
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			firstErr = err
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DB returns the GORM database instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Badger returns the BadgerDB instance
func (s *Store) Badger() *badger.DB {
	return s.badger
}

// Ping checks that the relational database answers
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Users lists every user that owns schedules, readings or factor inputs
func (s *Store) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := s.Read(ctx, func(db *gorm.DB) error {
		return db.Raw(`SELECT user_id FROM medication_schedules
			UNION SELECT user_id FROM vital_readings
			UNION SELECT user_id FROM factor_inputs
			ORDER BY user_id`).Scan(&users).Error
	})
	return users, err
}
