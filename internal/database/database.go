// Package database persists the credential pool across restarts. SQLite is
// the default; PostgreSQL and MySQL are available for shared deployments.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"     // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"     // PostgreSQL driver
	"github.com/lib/pq"                    // postgres:// URL to DSN conversion
	_ "github.com/mattn/go-sqlite3"        // SQLite driver
)

// DriverType selects the database backend.
type DriverType string

const (
	DriverSQLite   DriverType = "sqlite"
	DriverPostgres DriverType = "postgres"
	DriverMySQL    DriverType = "mysql"
)

// Config is the database configuration.
type Config struct {
	// Driver selects the backend; sqlite by default.
	Driver DriverType
	// Path is the SQLite database file.
	Path string
	// URL is the PostgreSQL or MySQL connection string.
	URL string
	// Connection pool settings, shared across drivers.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "data/flow-proxy.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DB wraps the sql connection plus the driver it was opened with.
type DB struct {
	db     *sql.DB
	driver DriverType
}

// New opens the configured backend and applies pending migrations.
func New(config Config) (*DB, error) {
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}

	var db *sql.DB
	var err error
	switch config.Driver {
	case DriverSQLite:
		db, err = openSQLite(config)
	case DriverPostgres:
		db, err = openPostgres(config)
	case DriverMySQL:
		db, err = openMySQL(config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", config.Driver, err)
	}

	d := &DB{db: db, driver: config.Driver}
	if err := d.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Driver reports which backend is in use.
func (d *DB) Driver() DriverType { return d.driver }

func openSQLite(config Config) (*sql.DB, error) {
	// Timestamps are persisted and interpreted in UTC; SQLite stores them
	// without timezone info.
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("open SQLite database: %w", err)
	}

	// In-memory SQLite databases are per-connection; a single connection
	// keeps schema and data visible across queries on the same handle.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		applyPool(db, config)
	}
	return db, nil
}

func openPostgres(config Config) (*sql.DB, error) {
	if config.URL == "" {
		return nil, errors.New("postgres driver requires a connection URL")
	}
	dsn := config.URL
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		converted, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres URL: %w", err)
		}
		dsn = converted
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open PostgreSQL database: %w", err)
	}
	applyPool(db, config)
	return db, nil
}

func openMySQL(config Config) (*sql.DB, error) {
	if config.URL == "" {
		return nil, errors.New("mysql driver requires a connection URL")
	}
	dsn := strings.TrimPrefix(config.URL, "mysql://")
	if !strings.Contains(dsn, "parseTime") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open MySQL database: %w", err)
	}
	applyPool(db, config)
	return db, nil
}

func applyPool(db *sql.DB, config Config) {
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
}

func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}
