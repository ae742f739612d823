// Package db manages the database connection and schema migrations for the
// relay server. It supports SQLite (via the modernc pure-Go driver, no CGO)
// and PostgreSQL. Migrations are embedded in the binary and applied on
// startup via golang-migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

// The two dialects disagree on autoincrement and timestamp types, so each
// driver has its own migration directory.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the backing database. An empty Driver means
// SQLite.
type Config struct {
	Driver   string
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New connects, migrates to the latest schema and returns the handle.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: nil logger")
	}
	log := cfg.Logger.Named("db")

	gcfg := &gorm.Config{
		Logger: newGormZap(log, cfg.LogLevel),
		// Timestamps are compared as text on SQLite, so they are always UTC.
		NowFunc: func() time.Time { return time.Now().UTC() },
		// Maps driver errors onto gorm.ErrDuplicatedKey and friends.
		TranslateError: true,
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	var (
		database *gorm.DB
		err      error
	)
	switch driver {
	case DriverSQLite:
		database, err = openSQLite(cfg.DSN, gcfg)
	case DriverPostgres:
		database, err = openPostgres(cfg.DSN, gcfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q (want %q or %q)", cfg.Driver, DriverSQLite, DriverPostgres)
	}
	if err != nil {
		return nil, err
	}

	pool, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	version, err := migrateUp(pool, driver)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	log.Info("database ready", zap.String("driver", driver), zap.Uint("schema_version", version))
	return database, nil
}

// openSQLite goes through database/sql with the pure-Go modernc driver so
// gorm never loads the cgo one. One connection serialises writers and keeps
// ":memory:" databases alive.
func openSQLite(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: sqlite: %w", err)
	}
	pool.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: pool}, gcfg)
	if err == nil {
		err = database.Exec("PRAGMA foreign_keys = ON").Error
	}
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("db: sqlite: %w", err)
	}
	return database, nil
}

func openPostgres(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("db: postgres: %w", err)
	}
	pool, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("db: postgres: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(30 * time.Minute)
	return database, nil
}

// Ping checks the pool behind database.
func Ping(ctx context.Context, database *gorm.DB) error {
	pool, err := database.DB()
	if err != nil {
		return err
	}
	return pool.PingContext(ctx)
}

func Close(database *gorm.DB) error {
	pool, err := database.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}

// migrateUp applies pending migrations from the driver's embedded directory
// and reports the resulting version. Already being current is not an error.
func migrateUp(pool *sql.DB, driver string) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}

	var target migratedb.Driver
	if driver == DriverPostgres {
		target, err = migratepg.WithInstance(pool, &migratepg.Config{})
	} else {
		target, err = migratesqlite.WithInstance(pool, &migratesqlite.Config{})
	}
	if err != nil {
		return 0, fmt.Errorf("%s migration driver: %w", driver, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return 0, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, err
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, err
	case dirty:
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
