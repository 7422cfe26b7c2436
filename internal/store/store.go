package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

// Options tunes the connection pool. Zero values keep the defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// NewStore creates a new database store
func NewStore(driver, databaseURL string, opts Options) (*Store, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		databaseURL = withForeignKeys(databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sqlx.Connect(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; also keeps a :memory: database on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(orDefault(opts.MaxOpenConns, 25))
		db.SetMaxIdleConns(orDefault(opts.MaxIdleConns, 5))
		lifetime := opts.ConnMaxLifetime
		if lifetime <= 0 {
			lifetime = 5 * time.Minute
		}
		db.SetConnMaxLifetime(lifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithDB(db, driver), nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: driver,
		now:    time.Now,
	}
}

// ApplySchema creates the tables if they do not exist
func (s *Store) ApplySchema(ctx context.Context) error {
	schema := postgresSchema
	if s.driver == DriverSQLite {
		schema = sqliteSchema
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside one transaction. Any error from fn rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, now: s.timestamp()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
